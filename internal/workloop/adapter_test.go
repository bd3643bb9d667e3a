package workloop

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/viamin/aidp-sub015/internal/audit"
	"github.com/viamin/aidp-sub015/internal/config"
	"github.com/viamin/aidp-sub015/internal/ruleoftwo"
	"github.com/viamin/aidp-sub015/internal/secrets"
	"github.com/viamin/aidp-sub015/internal/trifecta"
)

type fixture struct {
	adapter  *Adapter
	enforcer *ruleoftwo.Enforcer
	proxy    *secrets.Proxy
	registry *secrets.Registry
}

func newFixture(t *testing.T, enabled bool) fixture {
	t.Helper()
	reg, err := secrets.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.RuleOfTwo.Enabled = enabled
	enf := ruleoftwo.New(ruleoftwo.WithEnabled(enabled))
	proxy := secrets.NewProxy(reg)
	return fixture{
		adapter:  New(cfg, enf, proxy),
		enforcer: enf,
		proxy:    proxy,
		registry: reg,
	}
}

func TestDisabledCheckNeverTouchesEnforcer(t *testing.T) {
	f := newFixture(t, false)

	s, err := f.adapter.BeginWorkUnit("u1", WorkContext{IssueNumber: 1})
	if err != nil || s != nil {
		t.Errorf("disabled begin should return nothing, got %v %v", s, err)
	}
	if err := f.adapter.CheckAgentCallAllowed("git_push", true); err != nil {
		t.Errorf("disabled check should return nil, got %v", err)
	}
	if f.enforcer.ActiveCount() != 0 {
		t.Error("disabled adapter must not create work units")
	}
	if st := f.adapter.Status(); st.Enabled || st.State != nil {
		t.Errorf("expected disabled status, got %+v", st)
	}
	if d := f.adapter.WouldAllow(trifecta.Egress); !d.Allowed || d.Reason != ReasonDisabled {
		t.Errorf("unexpected decision %+v", d)
	}
	if _, ok := f.adapter.EndWorkUnit(); ok {
		t.Error("disabled end should report nothing")
	}
}

func TestBeginWorkUnitJoinsSources(t *testing.T) {
	f := newFixture(t, true)

	s, err := f.adapter.BeginWorkUnit("u2", WorkContext{IssueNumber: 1, PRNumber: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Enabled(trifecta.UntrustedInput) {
		t.Fatal("expected untrusted_input enabled")
	}
	if got := s.Source(trifecta.UntrustedInput); got != "github_issue, github_pr" {
		t.Errorf("expected joined source, got %q", got)
	}
}

func TestBeginWorkUnitContextSources(t *testing.T) {
	tests := []struct {
		name string
		wc   WorkContext
		want string
	}{
		{"none", WorkContext{}, ""},
		{"url", WorkContext{ExternalURL: "https://example.com"}, "external_url"},
		{"webhook", WorkContext{WebhookPayload: true}, "webhook_payload"},
		{"watch mode", WorkContext{WorkflowType: "watch_mode"}, "watch_mode"},
		{"symbol watch mode", WorkContext{WorkflowType: ":watch_mode"}, "watch_mode"},
		{"other workflow", WorkContext{WorkflowType: "interactive"}, ""},
		{"all", WorkContext{IssueNumber: 3, PRNumber: 4, ExternalURL: "u", WebhookPayload: true, WorkflowType: "watch_mode"},
			"github_issue, github_pr, external_url, webhook_payload, watch_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			s, err := f.adapter.BeginWorkUnit("", tt.wc)
			if err != nil {
				t.Fatal(err)
			}
			if s.Enabled(trifecta.UntrustedInput) != (tt.want != "") {
				t.Errorf("untrusted_input enabled = %v", s.Enabled(trifecta.UntrustedInput))
			}
			if got := s.Source(trifecta.UntrustedInput); got != tt.want {
				t.Errorf("expected source %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCheckAgentCallNoWorkUnit(t *testing.T) {
	f := newFixture(t, true)
	if err := f.adapter.CheckAgentCallAllowed("git_push", true); err != nil {
		t.Errorf("no active work unit should be a no-op, got %v", err)
	}
	if f.enforcer.ActiveCount() != 0 {
		t.Error("check without a work unit must not create one")
	}
}

func TestCheckAgentCallEnablesFlags(t *testing.T) {
	f := newFixture(t, true)
	s, _ := f.adapter.BeginWorkUnit("u1", WorkContext{})

	if err := f.adapter.CheckAgentCallAllowed("read_file", false); err != nil {
		t.Fatal(err)
	}
	if s.EnabledCount() != 0 {
		t.Error("non-egress op without credentials should enable nothing")
	}

	if err := f.adapter.CheckAgentCallAllowed("git_push", false); err != nil {
		t.Fatal(err)
	}
	if s.Source(trifecta.Egress) != "agent_operation:git_push" {
		t.Errorf("unexpected egress source %q", s.Source(trifecta.Egress))
	}

	if err := f.adapter.CheckAgentCallAllowed("api_create_release", true); err != nil {
		t.Fatal(err)
	}
	if s.Source(trifecta.PrivateData) != "credential_access:api_create_release" {
		t.Errorf("unexpected private_data source %q", s.Source(trifecta.PrivateData))
	}
}

func TestCheckAgentCallViolation(t *testing.T) {
	f := newFixture(t, true)
	s, _ := f.adapter.BeginWorkUnit("u1", WorkContext{IssueNumber: 7})

	err := f.adapter.CheckAgentCallAllowed("git_push", true)
	v, ok := trifecta.AsPolicyViolation(err)
	if !ok {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if v.Flag != trifecta.PrivateData || v.Source != "credential_access:git_push" {
		t.Errorf("unexpected violation %+v", v)
	}
	if s.LethalTrifecta() {
		t.Error("state must never reach the trifecta")
	}
	if !s.Enabled(trifecta.Egress) || s.Enabled(trifecta.PrivateData) {
		t.Error("egress should be set and private_data rejected")
	}
}

func TestRequestCredentialIssuesToken(t *testing.T) {
	f := newFixture(t, true)
	t.Setenv("GH_TOKEN", "ghp_value")
	_, _ = f.registry.Register("gh_token", "GH_TOKEN", secrets.RegisterOptions{})
	s, _ := f.adapter.BeginWorkUnit("u1", WorkContext{IssueNumber: 1})

	cred, err := f.adapter.RequestCredential("gh_token", "git_push")
	if err != nil {
		t.Fatal(err)
	}
	if cred.Token == "" || cred.DirectAccess || cred.Value != "" {
		t.Errorf("expected token without value, got %+v", cred)
	}
	if s.Source(trifecta.PrivateData) != "secrets_proxy:gh_token" {
		t.Errorf("unexpected private_data source %q", s.Source(trifecta.PrivateData))
	}
	value, err := f.proxy.ExchangeToken(cred.Token)
	if err != nil || value != "ghp_value" {
		t.Errorf("exchange = %q, %v", value, err)
	}
}

func TestRequestCredentialBlockedBeforeProxy(t *testing.T) {
	f := newFixture(t, true)
	_, _ = f.registry.Register("gh_token", "GH_TOKEN", secrets.RegisterOptions{})
	_, _ = f.adapter.BeginWorkUnit("u1", WorkContext{IssueNumber: 1})
	if err := f.adapter.CheckAgentCallAllowed("git_push", false); err != nil {
		t.Fatal(err)
	}

	_, err := f.adapter.RequestCredential("gh_token", "")
	v, ok := trifecta.AsPolicyViolation(err)
	if !ok {
		t.Fatalf("expected violation, got %v", err)
	}
	if v.Flag != trifecta.PrivateData || v.Source != "secrets_proxy:gh_token" {
		t.Errorf("unexpected violation %+v", v)
	}
	if f.proxy.ActiveTokensSummary().Count != 0 {
		t.Error("no token should be issued when blocked")
	}
}

func TestRequestCredentialUnregistered(t *testing.T) {
	f := newFixture(t, true)
	_, _ = f.adapter.BeginWorkUnit("u1", WorkContext{})

	_, err := f.adapter.RequestCredential("missing", "")
	var ue *secrets.UnregisteredSecretError
	if !errors.As(err, &ue) {
		t.Errorf("expected *UnregisteredSecretError, got %v", err)
	}
	s, _ := f.enforcer.StateFor("u1")
	if s.Enabled(trifecta.PrivateData) {
		t.Error("failed request must not enable private_data")
	}
}

func TestRequestCredentialDisabledDirectAccess(t *testing.T) {
	f := newFixture(t, false)
	t.Setenv("NPM_TOKEN", "npm_value")
	_, _ = f.registry.Register("npm", "NPM_TOKEN", secrets.RegisterOptions{})

	cred, err := f.adapter.RequestCredential("npm", "publish")
	if err != nil {
		t.Fatal(err)
	}
	if !cred.DirectAccess || cred.Value != "npm_value" || cred.Token != "" {
		t.Errorf("expected direct value, got %+v", cred)
	}

	var ue *secrets.UnregisteredSecretError
	if _, err := f.adapter.RequestCredential("missing", ""); !errors.As(err, &ue) {
		t.Errorf("expected *UnregisteredSecretError, got %v", err)
	}
}

func TestWouldAllowReasons(t *testing.T) {
	f := newFixture(t, true)
	if d := f.adapter.WouldAllow(trifecta.Egress); !d.Allowed || d.Reason != ReasonNoWorkUnit {
		t.Errorf("unexpected %+v", d)
	}

	_, _ = f.adapter.BeginWorkUnit("u1", WorkContext{IssueNumber: 1})
	if d := f.adapter.WouldAllow(trifecta.Egress); !d.Allowed || d.Reason != ReasonAllowed {
		t.Errorf("unexpected %+v", d)
	}

	_ = f.adapter.CheckAgentCallAllowed("deploy", false)
	if d := f.adapter.WouldAllow(trifecta.PrivateData); d.Allowed || d.Reason != ReasonTrifecta {
		t.Errorf("unexpected %+v", d)
	}
}

func TestStatusAndEnd(t *testing.T) {
	f := newFixture(t, true)
	if st := f.adapter.Status(); !st.Enabled || st.StatusString != ReasonNoWorkUnit || st.State != nil {
		t.Errorf("unexpected idle status %+v", st)
	}

	_, _ = f.adapter.BeginWorkUnit("u1", WorkContext{PRNumber: 9})
	st := f.adapter.Status()
	if st.ActiveWorkUnit != "u1" || st.State == nil || st.StatusString != "1 of 3 flags enabled: untrusted_input" {
		t.Errorf("unexpected status %+v", st)
	}

	snap, ok := f.adapter.EndWorkUnit()
	if !ok || snap.WorkUnitID != "u1" || !snap.UntrustedInput {
		t.Errorf("unexpected final snapshot %+v", snap)
	}
	if f.enforcer.Active("u1") {
		t.Error("end should remove the work unit")
	}
	if len(f.enforcer.AuditLog()) != 1 {
		t.Error("end should archive to the audit log")
	}
	if _, ok := f.adapter.EndWorkUnit(); ok {
		t.Error("second end should report nothing")
	}
}

func TestSanitizedEnvironmentDelegates(t *testing.T) {
	f := newFixture(t, true)
	t.Setenv("AIDP_ADAPTER_SECRET", "x")
	_, _ = f.registry.Register("s", "AIDP_ADAPTER_SECRET", secrets.RegisterOptions{})

	for _, kv := range f.adapter.SanitizedEnvironment() {
		if kv == "AIDP_ADAPTER_SECRET=x" {
			t.Error("registered var should be stripped")
		}
	}
	err := f.adapter.WithSanitizedEnvironment(func() error {
		if _, ok := os.LookupEnv("AIDP_ADAPTER_SECRET"); ok {
			t.Error("var should be unset inside block")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if os.Getenv("AIDP_ADAPTER_SECRET") != "x" {
		t.Error("var should be restored")
	}
}

func TestIsEgressOperation(t *testing.T) {
	tests := map[string]bool{
		"git_push":          true,
		":git_push":         true,
		"git_anything":      true,
		"api_list_repos":    true,
		"http_get":          true,
		"web_fetch":         true,
		"create_pr":         true,
		"read_file":         false,
		"run_tests":         false,
		"github_issue_read": false,
	}
	for op, want := range tests {
		if got := IsEgressOperation(op); got != want {
			t.Errorf("IsEgressOperation(%q) = %v, want %v", op, got, want)
		}
	}
}

func TestBlockedCredentialIsJournaled(t *testing.T) {
	reg, err := secrets.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = reg.Register("gh_token", "GH_TOKEN", secrets.RegisterOptions{})
	var buf bytes.Buffer
	enf := ruleoftwo.New(ruleoftwo.WithJournal(audit.NewChain(&buf)))
	a := New(config.Default(), enf, secrets.NewProxy(reg))

	_, _ = a.BeginWorkUnit("u1", WorkContext{IssueNumber: 1})
	if err := a.CheckAgentCallAllowed("git_push", false); err != nil {
		t.Fatal(err)
	}
	if _, err := a.RequestCredential("gh_token", ""); err == nil {
		t.Fatal("expected the credential request to be blocked")
	}

	res, err := audit.Replay(bytes.NewReader(buf.Bytes()), audit.Filter{Event: audit.EventViolation})
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Violations != 1 || res.Entries[0].Source != "secrets_proxy:gh_token" {
		t.Errorf("expected the blocked request in the journal, got %+v", res)
	}
	if s, _ := enf.StateFor("u1"); s.Enabled(trifecta.PrivateData) {
		t.Error("blocked request must not enable private_data")
	}
}
