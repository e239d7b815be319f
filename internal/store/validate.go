package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidateMessage checks the submission-time invariants:
// non-empty id/from/subject/body, at least one recipient, and a known
// account. knownAccounts is the set of account ids a backend currently
// has on file.
func ValidateMessage(m Message, knownAccounts map[string]bool) error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if m.Payload.From == "" {
		return fmt.Errorf("%w: from is required", ErrValidation)
	}
	if m.Payload.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if m.Payload.Body == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if len(m.Payload.To)+len(m.Payload.Cc)+len(m.Payload.Bcc) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	if m.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrValidation)
	}
	if knownAccounts != nil && !knownAccounts[m.AccountID] {
		return fmt.Errorf("%w: unknown account %q", ErrValidation, m.AccountID)
	}
	return nil
}

// ApplyDefaults fills in submission-time defaults:
// Priority defaults to PriorityMedium when PriorityUnset, DeferredTS
// defaults to submittedAt when zero, and an absent surrogate key is
// assigned here so every backend shares one id scheme.
func ApplyDefaults(m *Message, submittedAt time.Time) {
	if m.PK == "" {
		m.PK = uuid.NewString()
	}
	if m.Priority == PriorityUnset {
		m.Priority = PriorityMedium
	}
	if m.DeferredTS.IsZero() {
		m.DeferredTS = submittedAt
	}
	if m.CreatedTS.IsZero() {
		m.CreatedTS = submittedAt
	}
}
