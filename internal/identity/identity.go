// Package identity carries the resolved caller bundle through the
// request path. Authentication happens upstream; by the time a request
// reaches the engine the caller is already a verified actor, and this
// package only transports who they are. The bundle travels as an
// explicit context value so no query ever depends on ambient session
// state.
package identity

import (
	"context"
	"fmt"
)

// Role is the fixed set of access roles. There is no custom-role
// mechanism; the evaluator's policy is written against exactly these.
type Role string

const (
	// RoleSubject is a trial participant writing their own diary.
	RoleSubject Role = "subject"
	// RoleInvestigator is site staff: full read within their sites,
	// annotations only, never primary-data writes.
	RoleInvestigator Role = "investigator"
	// RoleAnalyst is site-scoped and strictly read-only.
	RoleAnalyst Role = "analyst"
	// RoleAuditor reads tenant-wide and may attach audit notes.
	RoleAuditor Role = "auditor"
	// RoleAdmin may do everything; every mutation it performs is
	// recorded in the event log like any other write.
	RoleAdmin Role = "admin"
)

// ParseRole maps a wire string onto a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSubject, RoleInvestigator, RoleAnalyst, RoleAuditor, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Caller is the resolved identity bundle attached to every request.
type Caller struct {
	ActorID  string
	Role     Role
	TenantID string
	SiteIDs  []string // sites the caller is scoped to; unused for tenant-wide roles
}

// SiteScoped reports whether the role's visibility is limited to the
// caller's site list.
func (c Caller) SiteScoped() bool {
	return c.Role == RoleInvestigator || c.Role == RoleAnalyst
}

// HasSite reports whether site is in the caller's scope.
func (c Caller) HasSite(site string) bool {
	for _, s := range c.SiteIDs {
		if s == site {
			return true
		}
	}
	return false
}

// Validate checks the bundle is complete enough to evaluate policy.
func (c Caller) Validate() error {
	if c.ActorID == "" {
		return fmt.Errorf("caller has no actor id")
	}
	if c.TenantID == "" {
		return fmt.Errorf("caller has no tenant id")
	}
	if _, err := ParseRole(string(c.Role)); err != nil {
		return err
	}
	if c.SiteScoped() && len(c.SiteIDs) == 0 {
		return fmt.Errorf("role %s requires at least one site", c.Role)
	}
	return nil
}

type contextKey struct{}

// WithCaller returns a context carrying the caller bundle.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// CallerFrom extracts the caller bundle placed by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(Caller)
	return c, ok
}
