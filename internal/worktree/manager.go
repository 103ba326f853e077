// Package worktree isolates task executions in git worktrees. Each task gets
// its own branch and working directory under the project repository; the
// branch is merged back (or published as a pull request) on approval and
// discarded on failure.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Info describes the worktree bound to a task.
type Info struct {
	TaskID      string `json:"task_id"`
	ProjectPath string `json:"project_path"`
	RepoRoot    string `json:"repo_root"`
	Branch      string `json:"branch"`
	Dir         string `json:"dir"`
	BaseBranch  string `json:"base_branch"`
}

// MergeResult reports the outcome of Merge.
type MergeResult struct {
	Merged    bool
	Skipped   bool // no worktree was registered for the task
	Committed bool // pending changes were auto-committed first
	Into      string // branch the task branch was merged into
	Conflicts []string
}

// ErrBaseBranchMissing is returned by Merge when the task's base branch no
// longer exists in the repository.
var ErrBaseBranchMissing = errors.New("base branch not found")

// Options configures a Manager.
type Options struct {
	Runner       Runner
	BranchPrefix string // default "gocompany"
	DirName      string // default ".gocompany-worktrees"
	Logger       *slog.Logger
}

// Manager owns the in-memory worktree table. The table is a cache: Recover
// rebuilds it from branch existence after a restart.
type Manager struct {
	runner       Runner
	branchPrefix string
	dirName      string
	logger       *slog.Logger

	// gitMu serializes compound git operations (add/prune/retry, merge/abort)
	// so concurrent tasks do not interleave on the same repository.
	gitMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]Info
}

func NewManager(opts Options) *Manager {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if strings.TrimSpace(opts.BranchPrefix) == "" {
		opts.BranchPrefix = "gocompany"
	}
	if strings.TrimSpace(opts.DirName) == "" {
		opts.DirName = ".gocompany-worktrees"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		runner:       opts.Runner,
		branchPrefix: strings.TrimSuffix(opts.BranchPrefix, "/"),
		dirName:      opts.DirName,
		logger:       opts.Logger.With("component", "worktree"),
		entries:      make(map[string]Info),
	}
}

// ShortID is the first eight characters of a task id.
func ShortID(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}

// BranchName returns the task branch, e.g. gocompany/1a2b3c4d.
func (m *Manager) BranchName(taskID string) string {
	return m.branchPrefix + "/" + ShortID(taskID)
}

// Get returns the worktree registered for a task.
func (m *Manager) Get(taskID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.entries[taskID]
	return info, ok
}

// List returns the registered worktrees ordered by task id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.entries))
	for _, info := range m.entries {
		out = append(out, info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// repoProbe is what the go-git probe learns about a project directory.
type repoProbe struct {
	root    string
	head    string // branch checked out in root; empty when detached
	hasHead bool
	repo    *git.Repository
}

// probe opens the repository containing dir. It returns ok=false when dir is
// not inside a git repository.
func probe(dir string) (repoProbe, bool, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return repoProbe{}, false, nil
	}
	if err != nil {
		return repoProbe{}, false, fmt.Errorf("open repository %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no working tree to branch from.
		return repoProbe{}, false, nil
	}
	p := repoProbe{root: wt.Filesystem.Root(), repo: repo}
	head, err := repo.Head()
	switch {
	case err == nil:
		p.hasHead = true
		if head.Name().IsBranch() {
			p.head = head.Name().Short()
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Fresh repository without commits.
	default:
		return repoProbe{}, false, fmt.Errorf("resolve HEAD of %s: %w", dir, err)
	}
	return p, true, nil
}

// IsRepository reports whether dir is inside a git working tree.
func IsRepository(dir string) bool {
	_, ok, err := probe(dir)
	return ok && err == nil
}

// Create prepares an isolated worktree for a task. ok is false when the
// project is not a git repository (or has no commits yet); the caller then
// runs the agent directly in projectPath. An existing registration for the
// task is returned unchanged.
func (m *Manager) Create(ctx context.Context, taskID, projectPath, baseBranch string) (Info, bool, error) {
	if strings.TrimSpace(projectPath) == "" {
		return Info{}, false, nil
	}
	if info, ok := m.Get(taskID); ok && info.ProjectPath == projectPath {
		return info, true, nil
	}

	p, ok, err := probe(projectPath)
	if err != nil || !ok {
		return Info{}, false, err
	}
	if !p.hasHead {
		m.logger.Info("worktree skipped: repository has no commits", "task_id", taskID, "project_path", projectPath)
		return Info{}, false, nil
	}
	base := strings.TrimSpace(baseBranch)
	if base == "" {
		base = p.head
	}
	if base == "" {
		base = "HEAD"
	}

	info := Info{
		TaskID:      taskID,
		ProjectPath: projectPath,
		RepoRoot:    p.root,
		Branch:      m.BranchName(taskID),
		Dir:         filepath.Join(p.root, m.dirName, ShortID(taskID)),
		BaseBranch:  base,
	}
	if err := os.MkdirAll(filepath.Dir(info.Dir), 0o755); err != nil {
		return Info{}, false, fmt.Errorf("create worktrees dir: %w", err)
	}
	if err := m.addWorktree(ctx, info); err != nil {
		return Info{}, false, fmt.Errorf("create worktree for %s: %w", taskID, err)
	}

	m.mu.Lock()
	m.entries[taskID] = info
	m.mu.Unlock()
	m.logger.Info("worktree created", "task_id", taskID, "branch", info.Branch, "dir", info.Dir, "base", base)
	return info, true, nil
}

// addWorktree creates the worktree on a new branch, falling back to an
// existing branch of the same name and, after pruning stale registrations,
// retrying both.
func (m *Manager) addWorktree(ctx context.Context, info Info) error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	attempt := func() error {
		_, err := m.runner.Run(ctx, info.RepoRoot, "worktree", "add", "-b", info.Branch, info.Dir, info.BaseBranch)
		if err == nil {
			return nil
		}
		_, err2 := m.runner.Run(ctx, info.RepoRoot, "worktree", "add", info.Dir, info.Branch)
		if err2 == nil {
			return nil
		}
		return errors.Join(err, err2)
	}
	if err := attempt(); err == nil {
		return nil
	}
	_, _ = m.runner.Run(ctx, info.RepoRoot, "worktree", "prune")
	return attempt()
}

// commitPending stages and commits any changes left in the worktree. It
// reports whether a commit was made.
func (m *Manager) commitPending(ctx context.Context, info Info) (bool, error) {
	status, err := m.runner.Run(ctx, info.Dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := m.runner.Run(ctx, info.Dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage worktree changes: %w", err)
	}
	msg := fmt.Sprintf("gocompany: auto-commit task %s", ShortID(info.TaskID))
	if _, err := m.runner.Run(ctx, info.Dir, "commit", "-m", msg); err != nil {
		return false, fmt.Errorf("commit worktree changes: %w", err)
	}
	return true, nil
}

// Merge folds the task branch into its base branch with --no-ff. The base
// branch is checked out in the repository for the merge and the previously
// checked out branch is restored afterwards. On conflict the merge is aborted,
// the worktree is kept for manual resolution and the conflicting files are
// returned.
func (m *Manager) Merge(ctx context.Context, taskID string) (MergeResult, error) {
	info, ok := m.Get(taskID)
	if !ok {
		return MergeResult{Skipped: true}, nil
	}
	committed, err := m.commitPending(ctx, info)
	if err != nil {
		return MergeResult{}, err
	}

	m.gitMu.Lock()
	into, prev, err := m.checkoutBase(ctx, info)
	if err != nil {
		m.gitMu.Unlock()
		return MergeResult{Committed: committed}, err
	}
	msg := fmt.Sprintf("Merge %s into %s (task %s)", info.Branch, into, ShortID(taskID))
	_, mergeErr := m.runner.Run(ctx, info.RepoRoot, "merge", "--no-ff", "-m", msg, info.Branch)
	var conflicts []string
	if mergeErr != nil {
		out, _ := m.runner.Run(ctx, info.RepoRoot, "diff", "--name-only", "--diff-filter=U")
		conflicts = splitLines(out)
		_, _ = m.runner.Run(ctx, info.RepoRoot, "merge", "--abort")
	}
	if prev != "" {
		if _, err := m.runner.Run(ctx, info.RepoRoot, "checkout", prev); err != nil {
			m.logger.Warn("restore checked out branch failed", "task_id", taskID, "branch", prev, "error", err)
		}
	}
	m.gitMu.Unlock()

	if mergeErr != nil {
		if len(conflicts) > 0 {
			m.logger.Warn("worktree merge conflict", "task_id", taskID, "branch", info.Branch, "into", into, "files", conflicts)
			return MergeResult{Committed: committed, Into: into, Conflicts: conflicts}, nil
		}
		return MergeResult{Committed: committed, Into: into}, fmt.Errorf("merge %s into %s: %w", info.Branch, into, mergeErr)
	}

	if err := m.remove(ctx, info, true); err != nil {
		m.logger.Warn("worktree cleanup after merge failed", "task_id", taskID, "error", err)
	}
	m.logger.Info("worktree merged", "task_id", taskID, "branch", info.Branch, "into", into, "committed", committed)
	return MergeResult{Merged: true, Committed: committed, Into: into}, nil
}

// checkoutBase makes the task's base branch the checked out branch of the
// repository. It returns the branch merges land in and, when a switch was
// needed, the branch to restore. A base of "HEAD" merges into whatever is
// checked out. Callers hold gitMu.
func (m *Manager) checkoutBase(ctx context.Context, info Info) (into, prev string, err error) {
	out, err := m.runner.Run(ctx, info.RepoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("resolve checked out branch: %w", err)
	}
	current := strings.TrimSpace(out)
	base := strings.TrimSpace(info.BaseBranch)
	if base == "" || base == "HEAD" {
		return current, "", nil
	}
	if current == base {
		return base, "", nil
	}
	if _, err := m.runner.Run(ctx, info.RepoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+base); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrBaseBranchMissing, base)
	}
	if _, err := m.runner.Run(ctx, info.RepoRoot, "checkout", base); err != nil {
		return "", "", fmt.Errorf("checkout %s: %w", base, err)
	}
	if current == "HEAD" {
		// Detached; nothing to restore by name.
		current = ""
	}
	return base, current, nil
}

// Discard removes the worktree and deletes its branch. Failed work never
// persists.
func (m *Manager) Discard(ctx context.Context, taskID string) error {
	info, ok := m.Get(taskID)
	if !ok {
		return nil
	}
	err := m.remove(ctx, info, true)
	m.logger.Info("worktree discarded", "task_id", taskID, "branch", info.Branch)
	return err
}

func (m *Manager) remove(ctx context.Context, info Info, deleteBranch bool) error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	var errs []error
	if _, err := m.runner.Run(ctx, info.RepoRoot, "worktree", "remove", "--force", info.Dir); err != nil {
		if _, statErr := os.Stat(info.Dir); statErr == nil {
			errs = append(errs, err)
		} else {
			_, _ = m.runner.Run(ctx, info.RepoRoot, "worktree", "prune")
		}
	}
	if deleteBranch {
		if _, err := m.runner.Run(ctx, info.RepoRoot, "branch", "-D", info.Branch); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	delete(m.entries, info.TaskID)
	m.mu.Unlock()
	return errors.Join(errs...)
}

// RecoverTarget is a task that may own a worktree from a previous run.
type RecoverTarget struct {
	TaskID      string
	ProjectPath string
	BaseBranch  string
}

// Recover re-registers worktrees for targets whose task branch still exists
// and whose directory is still on disk. It returns the number restored.
func (m *Manager) Recover(ctx context.Context, targets []RecoverTarget) int {
	restored := 0
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		if strings.TrimSpace(t.ProjectPath) == "" {
			continue
		}
		if _, ok := m.Get(t.TaskID); ok {
			continue
		}
		p, ok, err := probe(t.ProjectPath)
		if err != nil || !ok {
			continue
		}
		branch := m.BranchName(t.TaskID)
		if _, err := p.repo.Reference(plumbing.NewBranchReferenceName(branch), true); err != nil {
			continue
		}
		dir := filepath.Join(p.root, m.dirName, ShortID(t.TaskID))
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		base := t.BaseBranch
		if base == "" {
			base = p.head
		}
		m.mu.Lock()
		m.entries[t.TaskID] = Info{
			TaskID: t.TaskID, ProjectPath: t.ProjectPath, RepoRoot: p.root,
			Branch: branch, Dir: dir, BaseBranch: base,
		}
		m.mu.Unlock()
		restored++
	}
	if restored > 0 {
		m.logger.Info("worktrees recovered", "count", restored)
	}
	return restored
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
