// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"errors"
	"os"

	"github.com/bakebot-ai/realtime/lib/statefile"
)

// persistedState is the on-disk shape of unresolved errors carried
// across restarts. Only permanent failures and critical-severity
// errors are kept; transient errors are re-derived from fresh
// failures after restart.
type persistedState struct {
	Errors []AppError `cbor:"errors"`
}

// persistLocked writes unresolved durable errors to the state file.
// Caller holds e.mu. Failures are logged, not returned: persistence
// is best effort and must not fail the recovery path.
func (e *Engine) persistLocked() {
	if e.path == "" {
		return
	}
	var st persistedState
	for _, rec := range e.records {
		if rec.resolved {
			continue
		}
		if !rec.appErr.IsPermanentFailure && rec.appErr.Type.Severity != SeverityCritical {
			continue
		}
		st.Errors = append(st.Errors, *rec.appErr)
	}
	if len(st.Errors) == 0 {
		if err := statefile.Clear(e.path); err != nil {
			e.logger.Warn("clearing persisted errors failed", "path", e.path, "error", err)
		}
		return
	}
	if err := statefile.Write(e.path, st); err != nil {
		e.logger.Warn("persisting errors failed", "path", e.path, "error", err)
	}
}

// reload restores persisted errors at engine construction. Reloaded
// errors surface through ActiveErrors with no cause and no retry
// callback; they can only be dismissed or retried through a fresh
// Handle call.
func (e *Engine) reload() {
	if e.path == "" {
		return
	}
	var st persistedState
	if err := statefile.Read(e.path, &st); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("reloading persisted errors failed", "path", e.path, "error", err)
		}
		return
	}
	for i := range st.Errors {
		appErr := st.Errors[i]
		e.records[appErr.ID] = &record{appErr: &appErr}
	}
	if len(st.Errors) > 0 {
		e.logger.Info("restored persisted errors", "count", len(st.Errors))
	}
}
