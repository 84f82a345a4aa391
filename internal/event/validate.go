package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Structural limits. Payload and evidence caps are deployment concerns
// and are enforced by the engine from configuration.
const (
	maxIdentifierLen   = 128
	maxChangeReasonLen = 2000
)

// Validate checks the candidate's structural rules. It returns a
// *ValidationError listing every failed rule, or nil.
func (c *Candidate) Validate() error {
	var reasons []string

	if c.EventID == uuid.Nil {
		reasons = append(reasons, "event_id is required")
	}
	reasons = appendIdentifierReasons(reasons, "tenant_id", c.TenantID)
	reasons = appendIdentifierReasons(reasons, "site_id", c.SiteID)
	reasons = appendIdentifierReasons(reasons, "subject_id", c.SubjectID)

	if !c.Operation.Valid() {
		reasons = append(reasons, fmt.Sprintf("unknown operation %q", c.Operation))
	}

	switch c.Operation {
	case OpCreate:
		if c.ParentSeq != nil {
			reasons = append(reasons, "create must not claim a parent sequence")
		}
	case OpUpdate, OpDelete:
		if c.ParentSeq == nil {
			reasons = append(reasons, "parent_sequence_id is required for "+string(c.Operation))
		}
	case OpAnnotate:
		// Parent claim is optional: a note with no claim appends at
		// the current head of the annotation stream.
	}
	if c.ParentSeq != nil && *c.ParentSeq < 1 {
		reasons = append(reasons, "parent_sequence_id must be positive")
	}

	switch c.Operation {
	case OpDelete:
		if len(c.Payload) > 0 {
			reasons = append(reasons, "delete carries no payload")
		}
	case OpCreate, OpUpdate, OpAnnotate:
		if len(c.Payload) == 0 {
			reasons = append(reasons, "payload is required for "+string(c.Operation))
		} else if !json.Valid(c.Payload) {
			reasons = append(reasons, "payload is not valid JSON")
		}
	}

	if c.Operation != OpCreate && c.ChangeReason == "" {
		reasons = append(reasons, "change_reason is required for "+string(c.Operation))
	}
	if len(c.ChangeReason) > maxChangeReasonLen {
		reasons = append(reasons, fmt.Sprintf("change_reason exceeds %d bytes", maxChangeReasonLen))
	}

	if c.ClientTimeNs == 0 {
		reasons = append(reasons, "client_time is required")
	}

	if !c.Resolution.Valid() {
		reasons = append(reasons, fmt.Sprintf("unknown resolution %q", c.Resolution))
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

func appendIdentifierReasons(reasons []string, field, value string) []string {
	if value == "" {
		return append(reasons, field+" is required")
	}
	if len(value) > maxIdentifierLen {
		return append(reasons, fmt.Sprintf("%s exceeds %d bytes", field, maxIdentifierLen))
	}
	for i := 0; i < len(value); i++ {
		if value[i] < 0x20 || value[i] == 0x7f {
			return append(reasons, field+" contains control characters")
		}
	}
	return reasons
}
