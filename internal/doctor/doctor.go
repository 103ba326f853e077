package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/worktree"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// DBPath is where the daemon keeps its SQLite database.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "gocompany.db")
}

// AuditLogDir is where the hash-chained security audit log lives.
func AuditLogDir(homeDir string) string {
	return filepath.Join(homeDir, "logs")
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkGit,
		checkProviders,
		checkProjects,
		checkAuditChain,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsBootstrap {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing (starter org will be written on first start)"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("departments=%d agents=%d projects=%d", len(cfg.Departments), len(cfg.Agents), len(cfg.Projects)),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(DBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: fmt.Sprintf("tasks=%d", total)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkGit(_ context.Context, _ *config.Config) CheckResult {
	if _, err := lookPath("git"); err != nil {
		return CheckResult{Name: "Git", Status: StatusFail, Message: "git not found on PATH (required for task worktrees)"}
	}
	return CheckResult{Name: "Git", Status: StatusPass, Message: "git available"}
}

// checkProviders verifies every provider an agent points at can be reached
// locally: cli providers need their command on PATH, http providers need
// their API key env var.
func checkProviders(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Providers", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Providers) == 0 {
		return CheckResult{Name: "Providers", Status: StatusWarn, Message: "No providers configured"}
	}
	used := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		used[a.Provider] = true
	}

	status := StatusPass
	var details []string
	for _, p := range cfg.Providers {
		switch {
		case p.Kind == "http":
			if p.APIKeyEnv != "" && os.Getenv(p.APIKeyEnv) == "" {
				details = append(details, fmt.Sprintf("%s: %s not set", p.Name, p.APIKeyEnv))
				status = worse(status, StatusWarn)
				continue
			}
		default:
			if _, err := lookPath(p.Command); err != nil {
				details = append(details, fmt.Sprintf("%s: command %q not found", p.Name, p.Command))
				if used[p.Name] {
					status = worse(status, StatusFail)
				} else {
					status = worse(status, StatusWarn)
				}
				continue
			}
		}
		details = append(details, p.Name+": ok")
	}
	return CheckResult{
		Name:    "Providers",
		Status:  status,
		Message: fmt.Sprintf("Checked %d providers", len(cfg.Providers)),
		Detail:  strings.Join(details, ", "),
	}
}

func checkProjects(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Projects", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Projects) == 0 {
		return CheckResult{Name: "Projects", Status: StatusSkip, Message: "No projects configured"}
	}
	var bad []string
	for _, p := range cfg.Projects {
		if !worktree.IsRepository(p.Path) {
			bad = append(bad, fmt.Sprintf("%s (%s)", p.ID, p.Path))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Projects",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d projects are not git repositories", len(bad), len(cfg.Projects)),
			Detail:  "tasks in these projects run without isolation: " + strings.Join(bad, ", "),
		}
	}
	return CheckResult{Name: "Projects", Status: StatusPass, Message: fmt.Sprintf("%d projects are git repositories", len(cfg.Projects))}
}

func checkAuditChain(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Audit Chain", Status: StatusSkip, Message: "Config missing"}
	}
	path := filepath.Join(AuditLogDir(cfg.HomeDir), audit.ChainFileName)
	report, err := audit.VerifyChain(path, cfg.Audit.ChainSeed, cfg.Audit.ChainKey)
	if errors.Is(err, audit.ErrChainBroken) {
		return CheckResult{
			Name:    "Audit Chain",
			Status:  StatusFail,
			Message: fmt.Sprintf("Chain broken at line %d", report.BrokenAt),
			Detail:  report.BrokenWhy,
		}
	}
	if err != nil {
		return CheckResult{Name: "Audit Chain", Status: StatusFail, Message: fmt.Sprintf("Verify failed: %v", err)}
	}
	return CheckResult{Name: "Audit Chain", Status: StatusPass, Message: fmt.Sprintf("%d entries verified", report.Entries)}
}

var statusRank = map[string]int{StatusSkip: 0, StatusPass: 1, StatusWarn: 2, StatusFail: 3}

func worse(a, b string) string {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	skipStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// Render writes a human-readable report. Styling is only applied when color
// is true.
func Render(w io.Writer, d Diagnosis, color bool) {
	paint := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, paint(headerStyle, fmt.Sprintf("GoCompany Doctor Report (%s)", d.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(w, "System: %s/%s (%s) version %s\n", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)
	fmt.Fprintln(w, "---")
	for _, res := range d.Results {
		var label string
		switch res.Status {
		case StatusPass:
			label = paint(passStyle, "[PASS]")
		case StatusFail:
			label = paint(failStyle, "[FAIL]")
		case StatusWarn:
			label = paint(warnStyle, "[WARN]")
		default:
			label = paint(skipStyle, "[SKIP]")
		}
		fmt.Fprintf(w, "%s %-12s %s\n", label, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "       %s\n", paint(detailStyle, res.Detail))
		}
	}
}
