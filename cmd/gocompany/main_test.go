package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	if !strings.Contains(buf.String(), "usage: gocompany daemon [--help]") {
		t.Fatalf("usage output missing daemon usage: %q", buf.String())
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nGOCOMPANY_TEST_A=one\nGOCOMPANY_TEST_B = \"two\"\nmalformed\nGOCOMPANY_TEST_SET=from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOCOMPANY_TEST_A", "")
	t.Setenv("GOCOMPANY_TEST_B", "")
	t.Setenv("GOCOMPANY_TEST_SET", "from-env")

	loadDotEnv(path)

	if got := os.Getenv("GOCOMPANY_TEST_A"); got != "one" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("GOCOMPANY_TEST_B"); got != "two" {
		t.Fatalf("B = %q", got)
	}
	if got := os.Getenv("GOCOMPANY_TEST_SET"); got != "from-env" {
		t.Fatalf("existing env should win, got %q", got)
	}
}

func TestLoadAuthToken_GeneratesOnceAndReuses(t *testing.T) {
	t.Setenv("GOCOMPANY_AUTH_TOKEN", "")
	home := t.TempDir()

	first, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first == "" {
		t.Fatal("expected generated token")
	}
	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode = %v", info.Mode().Perm())
	}

	second, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second != first {
		t.Fatalf("token changed between loads: %q vs %q", first, second)
	}
}

func TestLoadAuthToken_EnvOverride(t *testing.T) {
	t.Setenv("GOCOMPANY_AUTH_TOKEN", "  from-env  ")
	home := t.TempDir()
	tok, err := loadAuthToken(home)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "from-env" {
		t.Fatalf("token = %q", tok)
	}
	if _, err := os.Stat(filepath.Join(home, "auth.token")); !os.IsNotExist(err) {
		t.Fatalf("env override should not write auth.token, stat err=%v", err)
	}
}
