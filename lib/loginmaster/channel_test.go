// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"context"
	"errors"
	"math"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/login/lib/fdpass"
	"github.com/bureau-foundation/login/lib/ioloop"
	"github.com/bureau-foundation/login/lib/testutil"
)

type fakeProcess struct {
	refs          int
	unrefs        int
	stopAccepting int
	onUnref       func()
}

func (p *fakeProcess) Ref()           { p.refs++ }
func (p *fakeProcess) StopAccepting() { p.stopAccepting++ }
func (p *fakeProcess) Unref() {
	p.unrefs++
	if p.onUnref != nil {
		p.onUnref()
	}
}

// fakeClient stands in for a client connection. Its descriptor is the
// read end of a pipe, which is enough to travel over SCM_RIGHTS.
type fakeClient struct {
	fd     int
	local  netip.Addr
	remote netip.Addr
}

func (c *fakeClient) Descriptor() int           { return c.fd }
func (c *fakeClient) LocalAddress() netip.Addr  { return c.local }
func (c *fakeClient) RemoteAddress() netip.Addr { return c.remote }

func newFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return &fakeClient{
		fd:     fds[0],
		local:  netip.MustParseAddr("192.0.2.10"),
		remote: netip.MustParseAddr("198.51.100.7"),
	}
}

// masterPeer is the master's end of a socketpair.
type masterPeer struct {
	t    *testing.T
	conn *net.UnixConn
}

func (p *masterPeer) readRequest() (Request, *os.File) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame := make([]byte, RequestSize)
	file, err := fdpass.ReceiveUnix(p.conn, frame)
	if err != nil {
		p.t.Fatalf("receiving request: %v", err)
	}
	var request Request
	if err := request.UnmarshalBinary(frame); err != nil {
		p.t.Fatalf("decoding request: %v", err)
	}
	if file != nil {
		p.t.Cleanup(func() { file.Close() })
	}
	return request, file
}

func (p *masterPeer) write(data []byte) {
	p.t.Helper()
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("writing to channel: %v", err)
	}
}

func (p *masterPeer) reply(tag uint32, success bool) {
	p.t.Helper()
	p.write(replyFrame(p.t, tag, success))
}

func replyFrame(t *testing.T, tag uint32, success bool) []byte {
	t.Helper()
	frame, err := Reply{Version: ProtocolVersion, Tag: tag, Success: success}.MarshalBinary()
	if err != nil {
		t.Fatalf("encoding reply: %v", err)
	}
	return frame
}

type channelFixture struct {
	loop    *ioloop.Loop
	channel *Channel
	process *fakeProcess
	master  *masterPeer
	fd      int
}

// newChannel returns an active channel connected to a masterPeer. The
// loop is not running: tests drive the reader by calling handleInput.
func newChannel(t *testing.T) *channelFixture {
	t.Helper()
	fixture := newInactiveChannel(t)
	if err := fixture.channel.Init(fixture.fd, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return fixture
}

func newInactiveChannel(t *testing.T) *channelFixture {
	t.Helper()
	loop, err := ioloop.New()
	if err != nil {
		t.Fatalf("ioloop.New: %v", err)
	}
	t.Cleanup(func() { loop.Close() })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	file := os.NewFile(uintptr(fds[1]), "master")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	process := &fakeProcess{}
	channel := NewChannel(ChannelConfig{Loop: loop, Process: process})
	t.Cleanup(func() {
		if channel.State() == StateActive {
			channel.Deinit()
		}
		// Close owns the descriptor once it has run; Deinit and a
		// failed Init leave it to us.
		if channel.State() != StateClosed || channel.fd != -1 {
			unix.Close(fds[0])
		}
	})

	return &channelFixture{
		loop:    loop,
		channel: channel,
		process: process,
		master:  &masterPeer{t: t, conn: conn.(*net.UnixConn)},
		fd:      fds[0],
	}
}

type verdict struct {
	client  Client
	success bool
}

// recorder collects callback invocations in order.
type recorder struct {
	verdicts []verdict
}

func (r *recorder) callback(client Client, success bool) {
	r.verdicts = append(r.verdicts, verdict{client, success})
}

func (f *channelFixture) request(t *testing.T, client Client, callback Callback) uint32 {
	t.Helper()
	if err := f.channel.RequestLogin(client, callback, 100, 1); err != nil {
		t.Fatalf("RequestLogin: %v", err)
	}
	request, _ := f.master.readRequest()
	return request.Tag
}

func TestInitTakesReference(t *testing.T) {
	fixture := newChannel(t)
	if fixture.channel.State() != StateActive {
		t.Errorf("state = %v, want active", fixture.channel.State())
	}
	if fixture.process.refs != 1 {
		t.Errorf("Ref called %d times, want 1", fixture.process.refs)
	}
	if err := fixture.channel.Init(fixture.fd, false); err == nil {
		t.Error("second Init succeeded")
	}
}

func TestInitNotify(t *testing.T) {
	fixture := newInactiveChannel(t)
	if err := fixture.channel.Init(fixture.fd, true); err != nil {
		t.Fatalf("Init: %v", err)
	}

	request, file := fixture.master.readRequest()
	if file != nil {
		t.Error("liveness notification carried a descriptor")
	}
	if request.Tag != 0 || request.Version != ProtocolVersion {
		t.Errorf("notification = %+v, want version %d tag 0", request, ProtocolVersion)
	}
	if fixture.channel.PendingCount() != 0 {
		t.Errorf("notification created %d pending entries", fixture.channel.PendingCount())
	}
}

func TestRequestLoginSendsFrameAndDescriptor(t *testing.T) {
	fixture := newChannel(t)
	client := newFakeClient(t)

	if err := fixture.channel.RequestLogin(client, func(Client, bool) {}, 4242, 17); err != nil {
		t.Fatalf("RequestLogin: %v", err)
	}
	request, file := fixture.master.readRequest()

	if request.Version != ProtocolVersion || request.AuthPID != 4242 || request.AuthID != 17 {
		t.Errorf("request = %+v", request)
	}
	if request.Tag == 0 {
		t.Error("request used tag 0")
	}
	if request.LocalAddress != client.local || request.RemoteAddress != client.remote {
		t.Errorf("addresses = %v -> %v, want %v -> %v",
			request.LocalAddress, request.RemoteAddress, client.local, client.remote)
	}
	if file == nil {
		t.Fatal("request arrived without a descriptor")
	}

	var passed, original unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &passed); err != nil {
		t.Fatalf("fstat passed: %v", err)
	}
	if err := unix.Fstat(client.fd, &original); err != nil {
		t.Fatalf("fstat original: %v", err)
	}
	if passed.Ino != original.Ino || passed.Dev != original.Dev {
		t.Error("passed descriptor refers to a different file than the client's")
	}

	if tag, ok := fixture.channel.PendingTag(client); !ok || tag != request.Tag {
		t.Errorf("PendingTag = %d, %v; want %d, true", tag, ok, request.Tag)
	}
}

func TestRequestLoginZeroAuthPIDPanics(t *testing.T) {
	fixture := newChannel(t)
	defer func() {
		if recover() == nil {
			t.Error("RequestLogin with zero auth PID did not panic")
		}
	}()
	fixture.channel.RequestLogin(newFakeClient(t), func(Client, bool) {}, 0, 1)
}

func TestRequestLoginOnInactiveChannel(t *testing.T) {
	fixture := newInactiveChannel(t)
	err := fixture.channel.RequestLogin(newFakeClient(t), func(Client, bool) {}, 1, 1)
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("before Init: err = %v, want ErrChannelClosed", err)
	}
	if IsUnrecoverable(err) {
		t.Error("ErrChannelClosed reported as unrecoverable")
	}

	fixture = newChannel(t)
	if err := fixture.channel.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err = fixture.channel.RequestLogin(newFakeClient(t), func(Client, bool) {}, 1, 1)
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("after Close: err = %v, want ErrChannelClosed", err)
	}
}

func TestTagsAreUniqueAndNonZero(t *testing.T) {
	fixture := newChannel(t)
	seen := make(map[uint32]bool)
	for range 8 {
		tag := fixture.request(t, newFakeClient(t), func(Client, bool) {})
		if tag == 0 {
			t.Fatal("allocated tag 0")
		}
		if seen[tag] {
			t.Fatalf("tag %d allocated twice", tag)
		}
		seen[tag] = true
	}
	if got := fixture.channel.PendingCount(); got != 8 {
		t.Errorf("PendingCount = %d, want 8", got)
	}
}

func TestTagWraparoundSkipsZeroAndBusyTags(t *testing.T) {
	fixture := newChannel(t)
	channel := fixture.channel

	channel.tagCounter = math.MaxUint32 - 1
	if tag := fixture.request(t, newFakeClient(t), func(Client, bool) {}); tag != math.MaxUint32 {
		t.Errorf("tag = %d, want %d", tag, uint32(math.MaxUint32))
	}
	if tag := fixture.request(t, newFakeClient(t), func(Client, bool) {}); tag != 1 {
		t.Errorf("tag after wraparound = %d, want 1 (0 is reserved)", tag)
	}

	// Tag 1 is still pending.
	channel.tagCounter = 0
	if tag := fixture.request(t, newFakeClient(t), func(Client, bool) {}); tag != 2 {
		t.Errorf("tag = %d, want 2 (1 is busy)", tag)
	}
}

func TestAbortedTagIsNotReusedBeforeItsReply(t *testing.T) {
	fixture := newChannel(t)
	channel := fixture.channel
	client := newFakeClient(t)

	tag := fixture.request(t, client, func(Client, bool) {})
	channel.Abort(client)

	channel.tagCounter = tag - 1
	if next := fixture.request(t, newFakeClient(t), func(Client, bool) {}); next == tag {
		t.Errorf("aborted tag %d reused before the master replied", tag)
	}
}

func TestRepliesResolveOutOfOrder(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	clientA := newFakeClient(t)
	clientB := newFakeClient(t)

	tagA := fixture.request(t, clientA, recorded.callback)
	tagB := fixture.request(t, clientB, recorded.callback)

	fixture.master.reply(tagB, true)
	if err := fixture.channel.handleInput(); err != nil {
		t.Fatalf("handleInput: %v", err)
	}
	fixture.master.reply(tagA, false)
	if err := fixture.channel.handleInput(); err != nil {
		t.Fatalf("handleInput: %v", err)
	}

	want := []verdict{{clientB, true}, {clientA, false}}
	if len(recorded.verdicts) != len(want) {
		t.Fatalf("verdicts = %v, want %v", recorded.verdicts, want)
	}
	for index := range want {
		if recorded.verdicts[index] != want[index] {
			t.Errorf("verdict %d = %v, want %v", index, recorded.verdicts[index], want[index])
		}
	}
	if fixture.channel.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after both replies", fixture.channel.PendingCount())
	}
}

func TestReplySplitAcrossReads(t *testing.T) {
	for split := 1; split < ReplySize; split++ {
		fixture := newChannel(t)
		var recorded recorder
		client := newFakeClient(t)
		tag := fixture.request(t, client, recorded.callback)

		frame := replyFrame(t, tag, true)
		fixture.master.write(frame[:split])
		if err := fixture.channel.handleInput(); err != nil {
			t.Fatalf("split %d: first handleInput: %v", split, err)
		}
		if len(recorded.verdicts) != 0 {
			t.Fatalf("split %d: callback ran on a partial frame", split)
		}

		fixture.master.write(frame[split:])
		if err := fixture.channel.handleInput(); err != nil {
			t.Fatalf("split %d: second handleInput: %v", split, err)
		}
		if len(recorded.verdicts) != 1 || !recorded.verdicts[0].success {
			t.Errorf("split %d: verdicts = %v, want one success", split, recorded.verdicts)
		}
	}
}

func TestTwoRepliesInOneWrite(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	tagA := fixture.request(t, newFakeClient(t), recorded.callback)
	tagB := fixture.request(t, newFakeClient(t), recorded.callback)

	combined := append(replyFrame(t, tagA, true), replyFrame(t, tagB, true)...)
	fixture.master.write(combined)

	// Each readiness event consumes at most one frame; the level-
	// triggered loop calls again while data remains.
	for range 2 {
		if err := fixture.channel.handleInput(); err != nil {
			t.Fatalf("handleInput: %v", err)
		}
	}
	if len(recorded.verdicts) != 2 {
		t.Errorf("got %d verdicts, want 2", len(recorded.verdicts))
	}
}

func TestSpuriousReadiness(t *testing.T) {
	fixture := newChannel(t)
	if err := fixture.channel.handleInput(); err != nil {
		t.Fatalf("handleInput with nothing to read: %v", err)
	}
	if fixture.channel.State() != StateActive {
		t.Errorf("state = %v after spurious readiness", fixture.channel.State())
	}
}

func TestEntryRemovedBeforeCallback(t *testing.T) {
	fixture := newChannel(t)
	channel := fixture.channel
	client := newFakeClient(t)

	var sawPending, sawTag bool
	var resubmitErr error
	tag := fixture.request(t, client, func(callbackClient Client, success bool) {
		sawPending = channel.PendingCount() != 0
		_, sawTag = channel.PendingTag(callbackClient)
		// The same client may go straight back to the master.
		resubmitErr = channel.RequestLogin(callbackClient, func(Client, bool) {}, 100, 2)
	})

	fixture.master.reply(tag, true)
	if err := channel.handleInput(); err != nil {
		t.Fatalf("handleInput: %v", err)
	}
	if sawPending || sawTag {
		t.Error("request still pending while its callback ran")
	}
	if resubmitErr != nil {
		t.Errorf("resubmitting from the callback: %v", resubmitErr)
	}
	if newTag, ok := channel.PendingTag(client); !ok || newTag == tag {
		t.Errorf("PendingTag after resubmit = %d, %v", newTag, ok)
	}
}

func TestAbortWithoutPendingRequest(t *testing.T) {
	fixture := newChannel(t)
	fixture.channel.Abort(newFakeClient(t))
	if fixture.channel.PendingCount() != 0 || len(fixture.channel.aborted) != 0 {
		t.Error("Abort of an unknown client changed state")
	}
}

func TestReplyAfterAbortIsDiscarded(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	client := newFakeClient(t)
	tag := fixture.request(t, client, recorded.callback)

	fixture.channel.Abort(client)
	if _, ok := fixture.channel.PendingTag(client); ok {
		t.Error("client still pending after Abort")
	}

	fixture.master.reply(tag, true)
	if err := fixture.channel.handleInput(); err != nil {
		t.Fatalf("handleInput: %v", err)
	}
	if len(recorded.verdicts) != 0 {
		t.Errorf("callback ran for an aborted request: %v", recorded.verdicts)
	}
	if len(fixture.channel.aborted) != 0 {
		t.Error("aborted tag still remembered after its reply")
	}

	// A second reply to the same tag is no longer expected.
	fixture.master.reply(tag, true)
	if err := fixture.channel.handleInput(); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("duplicate reply: err = %v, want ErrUnknownTag", err)
	}
}

func TestUnknownTagIsUnrecoverable(t *testing.T) {
	fixture := newChannel(t)
	fixture.master.reply(999, true)

	err := fixture.channel.handleInput()
	if !IsUnrecoverable(err) {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
	if !errors.Is(err, ErrUnknownTag) {
		t.Errorf("err = %v, want ErrUnknownTag in chain", err)
	}
}

func TestCloseFailsEveryPendingRequestOnce(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	clients := []*fakeClient{newFakeClient(t), newFakeClient(t), newFakeClient(t)}
	for _, client := range clients {
		fixture.request(t, client, recorded.callback)
	}

	if err := fixture.channel.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fixture.channel.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if len(recorded.verdicts) != len(clients) {
		t.Fatalf("got %d verdicts, want %d", len(recorded.verdicts), len(clients))
	}
	seen := make(map[Client]bool)
	for _, v := range recorded.verdicts {
		if v.success {
			t.Error("pending request completed as success on close")
		}
		if seen[v.client] {
			t.Error("client failed twice")
		}
		seen[v.client] = true
	}

	process := fixture.process
	if process.stopAccepting != 1 || process.unrefs != 1 {
		t.Errorf("StopAccepting = %d, Unref = %d; want 1 each", process.stopAccepting, process.unrefs)
	}
	if fixture.channel.State() != StateClosed {
		t.Errorf("state = %v, want closed", fixture.channel.State())
	}
	if fixture.channel.watch != nil {
		t.Error("reader still registered after Close")
	}
}

func TestCloseReenteredFromUnref(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	fixture.request(t, newFakeClient(t), recorded.callback)

	var reentrantErr error
	fixture.process.onUnref = func() {
		reentrantErr = fixture.channel.Close()
	}
	if err := fixture.channel.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reentrantErr != nil {
		t.Errorf("re-entrant Close: %v", reentrantErr)
	}
	if fixture.process.unrefs != 1 {
		t.Errorf("Unref called %d times, want 1", fixture.process.unrefs)
	}
	if len(recorded.verdicts) != 1 {
		t.Errorf("got %d verdicts, want 1", len(recorded.verdicts))
	}
}

func TestCloseCallbackAbortsAnotherRequest(t *testing.T) {
	fixture := newChannel(t)
	channel := fixture.channel
	first := newFakeClient(t)
	second := newFakeClient(t)

	calls := 0
	fixture.request(t, first, func(Client, bool) {
		calls++
		channel.Abort(second)
	})
	fixture.request(t, second, func(Client, bool) { calls++ })

	if err := channel.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if calls != 1 {
		t.Errorf("%d callbacks ran, want 1 (second request was aborted)", calls)
	}
}

func TestCloseReportsDescriptorCloseFailure(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	fixture.request(t, newFakeClient(t), recorded.callback)

	// Pull the descriptor out from under the channel.
	unix.Close(fixture.fd)

	err := fixture.channel.Close()
	if !IsUnrecoverable(err) {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
	if len(recorded.verdicts) != 1 || fixture.process.unrefs != 1 {
		t.Error("teardown did not complete after the close failure")
	}
}

func TestPeerCloseTearsDown(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	fixture.request(t, newFakeClient(t), recorded.callback)

	fixture.master.conn.Close()
	if err := fixture.channel.handleInput(); err != nil {
		t.Fatalf("handleInput after hangup: %v", err)
	}
	if fixture.channel.State() != StateClosed {
		t.Errorf("state = %v, want closed", fixture.channel.State())
	}
	if len(recorded.verdicts) != 1 || recorded.verdicts[0].success {
		t.Errorf("verdicts = %v, want one failure", recorded.verdicts)
	}
}

func TestPeerCloseMidFrameDiscardsPartialReply(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	tag := fixture.request(t, newFakeClient(t), recorded.callback)

	fixture.master.write(replyFrame(t, tag, true)[:5])
	fixture.master.conn.Close()
	for range 2 {
		if err := fixture.channel.handleInput(); err != nil {
			t.Fatalf("handleInput: %v", err)
		}
	}
	if len(recorded.verdicts) != 1 || recorded.verdicts[0].success {
		t.Errorf("verdicts = %v, want one failure", recorded.verdicts)
	}
}

func TestSendFailureIsUnrecoverable(t *testing.T) {
	fixture := newChannel(t)
	fixture.master.conn.Close()

	err := fixture.channel.RequestLogin(newFakeClient(t), func(Client, bool) {}, 1, 1)
	if !IsUnrecoverable(err) {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
	if fixture.channel.PendingCount() != 0 {
		t.Error("failed request left a pending entry")
	}
}

func TestInitNotifyFailureRollsBack(t *testing.T) {
	fixture := newInactiveChannel(t)
	fixture.master.conn.Close()

	err := fixture.channel.Init(fixture.fd, true)
	if !IsUnrecoverable(err) {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
	if fixture.channel.State() != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", fixture.channel.State())
	}
	if fixture.process.refs != 1 || fixture.process.unrefs != 1 {
		t.Errorf("refs = %d, unrefs = %d, want the reference released", fixture.process.refs, fixture.process.unrefs)
	}
	if fixture.channel.watch != nil {
		t.Error("reader still registered after failed Init")
	}
	if fixture.process.stopAccepting != 0 {
		t.Error("failed Init ran the close path")
	}

	// The descriptor is still ours and still open.
	if _, err := unix.FcntlInt(uintptr(fixture.fd), unix.F_GETFD, 0); err != nil {
		t.Errorf("descriptor closed by failed Init: %v", err)
	}
}

func TestNotifyFinished(t *testing.T) {
	fixture := newChannel(t)
	if err := fixture.channel.NotifyFinished(); err != nil {
		t.Fatalf("NotifyFinished: %v", err)
	}
	request, file := fixture.master.readRequest()
	if request.Tag != 0 || file != nil {
		t.Errorf("notification = %+v with file %v", request, file)
	}

	if err := fixture.channel.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fixture.channel.NotifyFinished(); err != nil {
		t.Errorf("NotifyFinished on a closed channel: %v", err)
	}
}

func TestDeinitDropsRequestsSilently(t *testing.T) {
	fixture := newChannel(t)
	var recorded recorder
	client := newFakeClient(t)
	fixture.request(t, client, recorded.callback)
	fixture.channel.Abort(newFakeClient(t))

	fixture.channel.Deinit()

	if len(recorded.verdicts) != 0 {
		t.Errorf("Deinit ran callbacks: %v", recorded.verdicts)
	}
	if fixture.channel.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after Deinit", fixture.channel.PendingCount())
	}
	if _, ok := fixture.channel.PendingTag(client); ok {
		t.Error("client still indexed after Deinit")
	}
	if fixture.process.unrefs != 0 || fixture.process.stopAccepting != 0 {
		t.Error("Deinit called process hooks")
	}
	if fixture.channel.watch != nil {
		t.Error("reader still registered after Deinit")
	}
}

func TestDeinitStopsSending(t *testing.T) {
	fixture := newChannel(t)
	fixture.channel.Deinit()

	if fixture.channel.State() != StateClosed {
		t.Fatalf("state = %v, want closed", fixture.channel.State())
	}
	err := fixture.channel.RequestLogin(newFakeClient(t), func(Client, bool) {}, 1, 1)
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("RequestLogin after Deinit: err = %v, want ErrChannelClosed", err)
	}
	if err := fixture.channel.NotifyFinished(); err != nil {
		t.Errorf("NotifyFinished after Deinit: %v", err)
	}

	// Nothing reached the master.
	fixture.master.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buffer := make([]byte, 1)
	if count, _ := fixture.master.conn.Read(buffer); count != 0 {
		t.Error("channel wrote to the master after Deinit")
	}

	// Deinit leaves the descriptor open; a later Close is a no-op.
	if err := fixture.channel.Close(); err != nil {
		t.Errorf("Close after Deinit: %v", err)
	}
	if fixture.process.unrefs != 0 {
		t.Error("Close after Deinit released a reference")
	}
}

func TestChannelOnRunningLoop(t *testing.T) {
	fixture := newChannel(t)
	loop := fixture.loop
	channel := fixture.channel

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	verdicts := make(chan bool, 2)
	client := newFakeClient(t)
	var requestErr error
	if err := loop.Call(ctx, func() {
		requestErr = channel.RequestLogin(client, func(_ Client, success bool) { verdicts <- success }, 100, 1)
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if requestErr != nil {
		t.Fatalf("RequestLogin: %v", requestErr)
	}

	request, _ := fixture.master.readRequest()
	fixture.master.reply(request.Tag, true)
	if !testutil.RequireReceive(t, verdicts, 5*time.Second, "waiting for login verdict") {
		t.Error("verdict = failure, want success")
	}

	// A second request is failed when the master goes away.
	if err := loop.Call(ctx, func() {
		requestErr = channel.RequestLogin(client, func(_ Client, success bool) { verdicts <- success }, 100, 2)
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if requestErr != nil {
		t.Fatalf("RequestLogin: %v", requestErr)
	}
	fixture.master.readRequest()
	fixture.master.conn.Close()
	if testutil.RequireReceive(t, verdicts, 5*time.Second, "waiting for failure on hangup") {
		t.Error("verdict = success after master hung up")
	}

	loop.Stop()
	if err := testutil.RequireReceive(t, runDone, 5*time.Second, "waiting for loop to stop"); err != nil {
		t.Errorf("Run: %v", err)
	}
	if channel.State() != StateClosed {
		t.Errorf("state = %v, want closed", channel.State())
	}
}
