package worktree_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/basket/go-company/internal/worktree"
)

const testTaskID = "abcdef12-3456-7890-abcd-ef1234567890"

// initRepo creates a repository with one commit on master.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir
}

type call struct {
	dir  string
	args string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	respond func(args string) (string, error)
}

func (f *fakeRunner) Run(_ context.Context, dir string, args ...string) (string, error) {
	joined := strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, call{dir: dir, args: joined})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(joined)
	}
	return "", nil
}

func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c.args, prefix) {
			return true
		}
	}
	return false
}

func TestCreate_NonRepositoryRunsInPlace(t *testing.T) {
	m := worktree.NewManager(worktree.Options{Runner: &fakeRunner{}})
	_, ok, err := m.Create(context.Background(), testTaskID, t.TempDir(), "")
	if err != nil || ok {
		t.Fatalf("expected ok=false without error, got ok=%v err=%v", ok, err)
	}
}

func TestCreate_RepositoryWithoutCommitsSkips(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	m := worktree.NewManager(worktree.Options{Runner: &fakeRunner{}})
	_, ok, err := m.Create(context.Background(), testTaskID, dir, "")
	if err != nil || ok {
		t.Fatalf("expected skip, got ok=%v err=%v", ok, err)
	}
}

func TestCreate_PrunesAndRetriesStaleRegistration(t *testing.T) {
	repo := initRepo(t)
	var pruned bool
	runner := &fakeRunner{}
	runner.respond = func(args string) (string, error) {
		switch {
		case args == "worktree prune":
			pruned = true
			return "", nil
		case strings.HasPrefix(args, "worktree add") && !pruned:
			return "", errors.New("already registered")
		}
		return "", nil
	}
	m := worktree.NewManager(worktree.Options{Runner: runner})

	info, ok, err := m.Create(context.Background(), testTaskID, repo, "")
	if err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	if !pruned {
		t.Fatal("expected a prune before the retry")
	}
	if info.Branch != "gocompany/abcdef12" {
		t.Fatalf("unexpected branch %q", info.Branch)
	}
	if want := filepath.Join(".gocompany-worktrees", "abcdef12"); !strings.HasSuffix(info.Dir, want) {
		t.Fatalf("unexpected dir %q", info.Dir)
	}
	if info.BaseBranch != "master" {
		t.Fatalf("expected base from HEAD, got %q", info.BaseBranch)
	}
	if got, ok := m.Get(testTaskID); !ok || got.Dir != info.Dir {
		t.Fatalf("worktree not registered: %+v", got)
	}
}

func TestMerge_ConflictKeepsWorktree(t *testing.T) {
	repo := initRepo(t)
	runner := &fakeRunner{}
	runner.respond = func(args string) (string, error) {
		switch {
		case strings.HasPrefix(args, "merge --no-ff"):
			return "", errors.New("CONFLICT (content)")
		case strings.HasPrefix(args, "diff --name-only"):
			return "src/app.go\nREADME.md\n", nil
		}
		return "", nil
	}
	m := worktree.NewManager(worktree.Options{Runner: runner})
	if _, _, err := m.Create(context.Background(), testTaskID, repo, "main"); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := m.Merge(context.Background(), testTaskID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Merged || len(res.Conflicts) != 2 || res.Conflicts[0] != "src/app.go" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !runner.called("merge --abort") {
		t.Fatal("expected merge --abort after conflict")
	}
	if _, ok := m.Get(testTaskID); !ok {
		t.Fatal("worktree must be preserved for manual resolution")
	}
}

func TestMerge_MissingBaseBranchFails(t *testing.T) {
	repo := initRepo(t)
	runner := &fakeRunner{}
	runner.respond = func(args string) (string, error) {
		switch {
		case args == "rev-parse --abbrev-ref HEAD":
			return "master\n", nil
		case strings.HasPrefix(args, "rev-parse --verify"):
			return "", errors.New("exit status 1")
		}
		return "", nil
	}
	m := worktree.NewManager(worktree.Options{Runner: runner})
	if _, _, err := m.Create(context.Background(), testTaskID, repo, "release"); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := m.Merge(context.Background(), testTaskID)
	if !errors.Is(err, worktree.ErrBaseBranchMissing) {
		t.Fatalf("want ErrBaseBranchMissing, got %v", err)
	}
	if runner.called("merge --no-ff") || runner.called("checkout") {
		t.Fatal("nothing may be checked out or merged without the base branch")
	}
	if _, ok := m.Get(testTaskID); !ok {
		t.Fatal("worktree must be kept when the merge cannot run")
	}
}

func TestMerge_UnknownTaskSkips(t *testing.T) {
	m := worktree.NewManager(worktree.Options{Runner: &fakeRunner{}})
	res, err := m.Merge(context.Background(), "nope")
	if err != nil || !res.Skipped {
		t.Fatalf("expected skip, got %+v err=%v", res, err)
	}
}

type fakePublisher struct {
	got worktree.PullRequest
}

func (f *fakePublisher) OpenPullRequest(_ context.Context, pr worktree.PullRequest) (string, error) {
	f.got = pr
	return "https://github.com/acme/site/pull/7", nil
}

func TestPublish_PushesAndOpensPullRequest(t *testing.T) {
	repo := initRepo(t)
	runner := &fakeRunner{}
	runner.respond = func(args string) (string, error) {
		if args == "status --porcelain" {
			return " M README.md", nil
		}
		return "", nil
	}
	m := worktree.NewManager(worktree.Options{Runner: runner})
	if _, _, err := m.Create(context.Background(), testTaskID, repo, "main"); err != nil {
		t.Fatalf("create: %v", err)
	}
	pub := &fakePublisher{}
	res, err := m.Publish(context.Background(), testTaskID, pub, "", worktree.PullRequest{Repo: "acme/site", Title: "Fix build"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.URL == "" || !res.Committed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !runner.called("push -u origin gocompany/abcdef12") {
		t.Fatal("expected branch push")
	}
	if runner.called("branch -D") {
		t.Fatal("publish must keep the branch for the pull request")
	}
	if pub.got.Head != "gocompany/abcdef12" || pub.got.Base != "main" {
		t.Fatalf("unexpected pull request: %+v", pub.got)
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(t.TempDir(), "gitconfig"))
	t.Setenv("GIT_AUTHOR_NAME", "test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")
}

func branchExists(t *testing.T, repoDir, branch string) bool {
	t.Helper()
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	return err == nil
}

func TestWorktree_MergeEndToEnd(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	ctx := context.Background()
	m := worktree.NewManager(worktree.Options{})

	info, ok, err := m.Create(ctx, testTaskID, repo, "")
	if err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	if err := os.WriteFile(filepath.Join(info.Dir, "feature.txt"), []byte("done\n"), 0o644); err != nil {
		t.Fatalf("write in worktree: %v", err)
	}

	res, err := m.Merge(ctx, testTaskID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !res.Merged || !res.Committed {
		t.Fatalf("unexpected merge result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Fatalf("merged file missing from project: %v", err)
	}
	if branchExists(t, repo, info.Branch) {
		t.Fatal("task branch should be deleted after merge")
	}
	if _, ok := m.Get(testTaskID); ok {
		t.Fatal("worktree should be unregistered after merge")
	}
}

func TestWorktree_MergeTargetsBaseBranch(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	ctx := context.Background()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	develop := plumbing.NewBranchReferenceName("develop")
	if err := repo.Storer.SetReference(plumbing.NewHashReference(develop, head.Hash())); err != nil {
		t.Fatalf("create develop: %v", err)
	}

	m := worktree.NewManager(worktree.Options{})
	info, ok, err := m.Create(ctx, testTaskID, dir, "develop")
	if err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	if err := os.WriteFile(filepath.Join(info.Dir, "feature.txt"), []byte("done\n"), 0o644); err != nil {
		t.Fatalf("write in worktree: %v", err)
	}

	res, err := m.Merge(ctx, testTaskID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !res.Merged || res.Into != "develop" {
		t.Fatalf("unexpected merge result: %+v", res)
	}

	repo, err = git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("reopen repo: %v", err)
	}
	ref, err := repo.Reference(develop, true)
	if err != nil {
		t.Fatalf("develop ref: %v", err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("develop commit: %v", err)
	}
	if commit.NumParents() != 2 {
		t.Fatalf("develop head should be the merge commit, got %d parents", commit.NumParents())
	}
	cur, err := repo.Head()
	if err != nil || cur.Name() != head.Name() {
		t.Fatalf("checked out branch should be restored to %s, got %v (%v)", head.Name(), cur, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "feature.txt")); !os.IsNotExist(err) {
		t.Fatalf("feature must not land on %s: %v", head.Name().Short(), err)
	}
}

func TestWorktree_DiscardAndRecover(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	ctx := context.Background()

	first := worktree.NewManager(worktree.Options{})
	info, _, err := first.Create(ctx, testTaskID, repo, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A fresh manager (after a restart) rebuilds the table from branches.
	second := worktree.NewManager(worktree.Options{})
	n := second.Recover(ctx, []worktree.RecoverTarget{
		{TaskID: testTaskID, ProjectPath: repo},
		{TaskID: "ffffffff-0000", ProjectPath: repo},
	})
	if n != 1 {
		t.Fatalf("expected 1 recovered worktree, got %d", n)
	}
	if got, ok := second.Get(testTaskID); !ok || got.Dir != info.Dir {
		t.Fatalf("unexpected recovered entry: %+v", got)
	}

	if err := second.Discard(ctx, testTaskID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if branchExists(t, repo, info.Branch) {
		t.Fatal("branch should be deleted on discard")
	}
	if _, err := os.Stat(info.Dir); !os.IsNotExist(err) {
		t.Fatalf("worktree dir should be removed, stat err=%v", err)
	}
}
