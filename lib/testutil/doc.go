// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// RequireReceive, RequireNoReceive, RequireSend, and RequireClosed
// encapsulate the timeout safety valve pattern so individual tests do
// not write raw selects with time.After. These helpers are the only
// place the test suite touches the wall clock; everything else runs
// on clock.FakeClock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since a missed state transition or delivery is never recoverable
// within a test.
package testutil
