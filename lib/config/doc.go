// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the login process.
//
// Configuration is loaded from a single file specified by either the
// BUREAU_LOGIN_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// Files are YAML. Files ending in .json or .jsonc are JSON extended
// with comments and trailing commas; they are normalized to JSON (a
// subset of YAML) and decoded by the same YAML decoder, so both
// formats share one set of struct tags.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${BUREAU_LOGIN_GROUP}, and ${VAR:-default} patterns are
// expanded. No environment variable overrides a config value.
//
// Key exports:
//
//   - [Config] -- the login section plus the static [ServiceSettings]
//     the process was started with
//   - [Default] -- returns a Config with defaults for every field
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every problem at once
//
// This package depends on no other packages of this module.
package config
