// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes the module's CBOR configuration.
//
// Consumers import only this package, never fxamacker/cbor directly,
// so the encoding options (deterministic encoding, string-keyed maps
// for any-typed targets) are applied uniformly to the wire envelope,
// the persisted delivery queue records, and the recovery engine's
// error state file.
package codec
