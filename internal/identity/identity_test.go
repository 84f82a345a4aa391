package identity

import (
	"context"
	"testing"
)

func TestParseRole(t *testing.T) {
	for _, s := range []string{"subject", "investigator", "analyst", "auditor", "admin"} {
		r, err := ParseRole(s)
		if err != nil {
			t.Errorf("ParseRole(%q) failed: %v", s, err)
		}
		if string(r) != s {
			t.Errorf("ParseRole(%q) = %q", s, r)
		}
	}

	if _, err := ParseRole("superuser"); err == nil {
		t.Error("unknown role should fail")
	}
	if _, err := ParseRole(""); err == nil {
		t.Error("empty role should fail")
	}
}

func TestSiteScoped(t *testing.T) {
	scoped := map[Role]bool{
		RoleSubject:      false,
		RoleInvestigator: true,
		RoleAnalyst:      true,
		RoleAuditor:      false,
		RoleAdmin:        false,
	}
	for role, want := range scoped {
		c := Caller{Role: role}
		if c.SiteScoped() != want {
			t.Errorf("SiteScoped(%s) = %v, want %v", role, !want, want)
		}
	}
}

func TestHasSite(t *testing.T) {
	c := Caller{SiteIDs: []string{"site-a", "site-b"}}
	if !c.HasSite("site-a") || !c.HasSite("site-b") {
		t.Error("scoped sites should match")
	}
	if c.HasSite("site-c") {
		t.Error("unscoped site should not match")
	}
}

func TestCallerValidate(t *testing.T) {
	good := Caller{ActorID: "inv-7", Role: RoleInvestigator, TenantID: "trial-204", SiteIDs: []string{"site-011"}}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid caller rejected: %v", err)
	}

	bad := map[string]Caller{
		"no actor":             {Role: RoleAdmin, TenantID: "trial-204"},
		"no tenant":            {ActorID: "a", Role: RoleAdmin},
		"unknown role":         {ActorID: "a", Role: "superuser", TenantID: "t"},
		"investigator no site": {ActorID: "a", Role: RoleInvestigator, TenantID: "t"},
		"analyst no site":      {ActorID: "a", Role: RoleAnalyst, TenantID: "t"},
	}
	for name, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation failure", name)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	c := Caller{ActorID: "subj-0042", Role: RoleSubject, TenantID: "trial-204"}

	ctx := WithCaller(context.Background(), c)
	got, ok := CallerFrom(ctx)
	if !ok {
		t.Fatal("caller not found in context")
	}
	if got.ActorID != c.ActorID || got.Role != c.Role || got.TenantID != c.TenantID {
		t.Error("caller round trip mismatch")
	}

	if _, ok := CallerFrom(context.Background()); ok {
		t.Error("empty context should not yield a caller")
	}
}
