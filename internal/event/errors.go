package event

import (
	"errors"
	"fmt"
	"strings"
)

// The five failure classes every entry point maps onto. Callers branch
// with errors.As; transports translate them to status codes.

// ValidationError reports a malformed or incomplete candidate. The
// submission never reached the log.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// ConflictError reports a lineage mismatch: the candidate's claimed
// parent is not the current head of its stream. CurrentState is the
// server's view at detection time so the caller can resolve and
// resubmit; it is nil when the subject does not exist.
type ConflictError struct {
	SubjectID    string
	Stream       string // "data" or "note"
	ClaimedSeq   int64  // 0 when no parent was claimed
	CurrentSeq   int64  // head at detection time, 0 when subject absent
	CurrentState *State
}

func (e *ConflictError) Error() string {
	if e.CurrentState == nil {
		return fmt.Sprintf("conflict on subject %s: no current record (claimed parent %d)", e.SubjectID, e.ClaimedSeq)
	}
	return fmt.Sprintf("conflict on subject %s: claimed %s parent %d, current head %d",
		e.SubjectID, e.Stream, e.ClaimedSeq, e.CurrentSeq)
}

// AuthorizationError reports a policy denial. It carries enough for the
// audit trail but never leaks the target's contents.
type AuthorizationError struct {
	ActorID string
	Role    string
	Action  string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s (%s) may not %s: %s", e.ActorID, e.Role, e.Action, e.Reason)
}

// IntegrityError reports that the store's tamper-evidence invariants do
// not hold: a broken chain link, a hash mismatch, or an append racing
// past its lineage check. Processing of the affected tenant chain halts
// until an operator intervenes.
type IntegrityError struct {
	TenantID string
	Sequence int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Sequence > 0 {
		return fmt.Sprintf("integrity failure on tenant %s at sequence %d: %s", e.TenantID, e.Sequence, e.Reason)
	}
	return fmt.Sprintf("integrity failure on tenant %s: %s", e.TenantID, e.Reason)
}

// DeliveryError reports a failed downstream delivery attempt. The worker
// retries; the log itself is unaffected.
type DeliveryError struct {
	Target   string
	TenantID string
	Sequence int64
	Attempt  int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed for tenant %s sequence %d (attempt %d): %v",
		e.Target, e.TenantID, e.Sequence, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a lineage conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthorization reports whether err is a policy denial.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// IsIntegrity reports whether err is a tamper-evidence failure.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
