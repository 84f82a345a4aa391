// Package access implements the policy evaluator gating every read and
// write path. The policy is fixed: roles are a closed set and the rules
// below are not configurable per tenant. Every entry point calls
// Authorize before touching data; there is no direct path around it.
package access

import (
	"diaryd/internal/event"
	"diaryd/internal/identity"
)

// Action classifies what the caller is attempting.
type Action string

const (
	// ActionRead covers state reads, point lookups, and replay ranges.
	ActionRead Action = "read"
	// ActionWrite covers every event submission.
	ActionWrite Action = "write"
	// ActionExport covers full-fidelity archive exports.
	ActionExport Action = "export"
	// ActionOperate covers operator controls: delivery skip, chain
	// resume, schema reload.
	ActionOperate Action = "operate"
)

// Target identifies what is being accessed. SiteID is the site of the
// subject record when known; collection queries leave SubjectID and
// SiteID empty and are narrowed by Scope instead.
type Target struct {
	TenantID  string
	SiteID    string
	SubjectID string
	Operation event.Operation // writes only
}

// Scope is the row filter a read query must apply. SiteIDs non-nil
// restricts to those sites; SubjectID non-empty restricts to a single
// subject. A zero filter beyond TenantID means tenant-wide visibility.
type Scope struct {
	TenantID  string
	SiteIDs   []string
	SubjectID string
}

// Evaluator applies the fixed role policy.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Authorize returns nil to allow, or an *event.AuthorizationError with
// the denial reason. The error never carries target data.
func (ev *Evaluator) Authorize(c identity.Caller, action Action, t Target) error {
	if err := c.Validate(); err != nil {
		return deny(c, action, "incomplete caller context: "+err.Error())
	}
	if t.TenantID != c.TenantID {
		return deny(c, action, "cross-tenant access is never permitted")
	}

	switch action {
	case ActionRead:
		return ev.authorizeRead(c, t)
	case ActionWrite:
		return ev.authorizeWrite(c, t)
	case ActionExport:
		if c.Role == identity.RoleAuditor || c.Role == identity.RoleAdmin {
			return nil
		}
		return deny(c, action, "export requires the auditor or admin role")
	case ActionOperate:
		if c.Role == identity.RoleAdmin {
			return nil
		}
		return deny(c, action, "operator controls require the admin role")
	}
	return deny(c, action, "unknown action")
}

func (ev *Evaluator) authorizeRead(c identity.Caller, t Target) error {
	switch c.Role {
	case identity.RoleSubject:
		if t.SubjectID != "" && t.SubjectID != c.ActorID {
			return deny(c, ActionRead, "subjects may read only their own record")
		}
		return nil
	case identity.RoleInvestigator, identity.RoleAnalyst:
		if t.SiteID != "" && !c.HasSite(t.SiteID) {
			return deny(c, ActionRead, "subject is outside the caller's site scope")
		}
		return nil
	case identity.RoleAuditor, identity.RoleAdmin:
		return nil
	}
	return deny(c, ActionRead, "role has no read grant")
}

func (ev *Evaluator) authorizeWrite(c identity.Caller, t Target) error {
	if !t.Operation.Valid() {
		return deny(c, ActionWrite, "unknown operation")
	}

	switch c.Role {
	case identity.RoleSubject:
		if t.SubjectID != c.ActorID {
			return deny(c, ActionWrite, "subjects may write only their own record")
		}
		return nil
	case identity.RoleInvestigator:
		if t.Operation != event.OpAnnotate {
			return deny(c, ActionWrite, "investigators may annotate but never alter subject data")
		}
		if !c.HasSite(t.SiteID) {
			return deny(c, ActionWrite, "subject is outside the caller's site scope")
		}
		return nil
	case identity.RoleAnalyst:
		return deny(c, ActionWrite, "analysts are read-only")
	case identity.RoleAuditor:
		if t.Operation != event.OpAnnotate {
			return deny(c, ActionWrite, "auditors may write audit notes only")
		}
		return nil
	case identity.RoleAdmin:
		// Allowed, and recorded in the log like any other write. The
		// append path stamps actor_role so there is no silent bypass.
		return nil
	}
	return deny(c, ActionWrite, "role has no write grant")
}

// ReadScope returns the row filter for the caller's collection and
// replay queries. The store applies it to every listing; rows outside
// the scope simply do not appear.
func (ev *Evaluator) ReadScope(c identity.Caller) (Scope, error) {
	if err := c.Validate(); err != nil {
		return Scope{}, deny(c, ActionRead, "incomplete caller context: "+err.Error())
	}
	s := Scope{TenantID: c.TenantID}
	switch c.Role {
	case identity.RoleSubject:
		s.SubjectID = c.ActorID
	case identity.RoleInvestigator, identity.RoleAnalyst:
		s.SiteIDs = c.SiteIDs
	case identity.RoleAuditor, identity.RoleAdmin:
		// Tenant-wide.
	}
	return s, nil
}

func deny(c identity.Caller, action Action, reason string) error {
	return &event.AuthorizationError{
		ActorID: c.ActorID,
		Role:    string(c.Role),
		Action:  string(action),
		Reason:  reason,
	}
}
