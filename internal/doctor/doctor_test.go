package doctor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/config"
)

func stubLookPath(t *testing.T, found ...string) {
	t.Helper()
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(name string) (string, error) {
		for _, f := range found {
			if f == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestRun_NilConfig(t *testing.T) {
	stubLookPath(t, "git")
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("expected failure with nil config")
	}
	if d.Results[0].Name != "Config" || d.Results[0].Status != StatusFail {
		t.Fatalf("unexpected config result: %+v", d.Results[0])
	}
	for _, r := range d.Results[1:] {
		if r.Name == "Git" {
			continue
		}
		if r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP, got %s", r.Name, r.Status)
		}
	}
}

func TestRun_HealthyHome(t *testing.T) {
	stubLookPath(t, "git", "claude")
	home := t.TempDir()
	cfg := &config.Config{
		HomeDir:   home,
		Providers: []config.ProviderConfig{{Name: "claude", Kind: "cli", Command: "claude"}},
		Agents:    []config.AgentConfig{{ID: "a1", Provider: "claude"}},
	}

	chain, err := audit.OpenChain(audit.ChainOptions{LogDir: AuditLogDir(home)})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	for _, id := range []string{"one", "two"} {
		if _, err := chain.Append(audit.Entry{ID: id, Outcome: audit.OutcomeAccepted}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	d := Run(context.Background(), cfg, "test")
	if d.Failed() {
		t.Fatalf("expected healthy diagnosis, got %+v", d.Results)
	}
	byName := map[string]CheckResult{}
	for _, r := range d.Results {
		byName[r.Name] = r
	}
	if got := byName["Audit Chain"].Message; got != "2 entries verified" {
		t.Fatalf("audit chain message = %q", got)
	}
	if byName["Database"].Status != StatusPass {
		t.Fatalf("database: %+v", byName["Database"])
	}
	if _, err := os.Stat(DBPath(home)); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
}

func TestCheckAuditChain_DetectsTamper(t *testing.T) {
	home := t.TempDir()
	chain, err := audit.OpenChain(audit.ChainOptions{LogDir: AuditLogDir(home)})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	if _, err := chain.Append(audit.Entry{ID: "one", Detail: "created:directive", Outcome: audit.OutcomeAccepted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	path := filepath.Join(AuditLogDir(home), audit.ChainFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(raw), "created:directive", "created:announcement", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	res := checkAuditChain(context.Background(), &config.Config{HomeDir: home})
	if res.Status != StatusFail || res.Detail != "chain_hash mismatch" {
		t.Fatalf("expected chain mismatch failure, got %+v", res)
	}
}

func TestCheckProviders(t *testing.T) {
	stubLookPath(t, "codex")
	t.Setenv("DOCTOR_TEST_KEY", "")

	tests := []struct {
		name      string
		providers []config.ProviderConfig
		agents    []config.AgentConfig
		want      string
	}{
		{"none configured", nil, nil, StatusWarn},
		{"cli found", []config.ProviderConfig{{Name: "codex", Command: "codex"}}, []config.AgentConfig{{Provider: "codex"}}, StatusPass},
		{"used cli missing", []config.ProviderConfig{{Name: "claude", Command: "claude"}}, []config.AgentConfig{{Provider: "claude"}}, StatusFail},
		{"unused cli missing", []config.ProviderConfig{{Name: "claude", Command: "claude"}}, nil, StatusWarn},
		{"http key unset", []config.ProviderConfig{{Name: "remote", Kind: "http", APIKeyEnv: "DOCTOR_TEST_KEY"}}, nil, StatusWarn},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := checkProviders(context.Background(), &config.Config{Providers: tc.providers, Agents: tc.agents})
			if res.Status != tc.want {
				t.Fatalf("status = %s, want %s (%+v)", res.Status, tc.want, res)
			}
		})
	}
}

func TestCheckProjects_NonRepository(t *testing.T) {
	cfg := &config.Config{Projects: []config.ProjectConfig{{ID: "p1", Path: t.TempDir()}}}
	res := checkProjects(context.Background(), cfg)
	if res.Status != StatusWarn {
		t.Fatalf("expected WARN, got %+v", res)
	}
	if !strings.Contains(res.Detail, "p1") {
		t.Fatalf("detail should name the project: %q", res.Detail)
	}
}

func TestRender_PlainText(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, Diagnosis{
		System: SystemInfo{OS: "linux", Arch: "amd64", Go: "go1.24", Version: "dev"},
		Results: []CheckResult{
			{Name: "Git", Status: StatusPass, Message: "git available"},
			{Name: "Audit Chain", Status: StatusFail, Message: "Chain broken at line 2", Detail: "chain_hash mismatch"},
		},
	}, false)
	out := buf.String()
	for _, want := range []string{"[PASS] Git", "[FAIL] Audit Chain", "chain_hash mismatch"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain render should not contain escape codes:\n%s", out)
	}
}
