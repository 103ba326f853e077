package worktree

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v82/github"
)

// PullRequest is the input of a Publisher.
type PullRequest struct {
	Repo  string // owner/name
	Title string
	Body  string
	Head  string
	Base  string
}

// Publisher opens a pull request on a hosting service and returns its URL.
type Publisher interface {
	OpenPullRequest(ctx context.Context, pr PullRequest) (string, error)
}

// GitHubPublisher publishes pull requests through the GitHub REST API.
type GitHubPublisher struct {
	client *gogithub.Client
}

// NewGitHubPublisher builds a publisher authenticated with token. baseURL
// selects a GitHub Enterprise host; empty means github.com.
func NewGitHubPublisher(token, baseURL string) (*GitHubPublisher, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("github token is empty")
	}
	client := gogithub.NewClient(&http.Client{Transport: &bearerTransport{token: token}})
	if baseURL != "" {
		base := strings.TrimSuffix(baseURL, "/")
		var err error
		if client.BaseURL, err = client.BaseURL.Parse(base + "/api/v3/"); err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", baseURL, err)
		}
		if client.UploadURL, err = client.UploadURL.Parse(base + "/api/uploads/"); err != nil {
			return nil, fmt.Errorf("parse upload URL %q: %w", baseURL, err)
		}
	}
	return &GitHubPublisher{client: client}, nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

func (g *GitHubPublisher) OpenPullRequest(ctx context.Context, pr PullRequest) (string, error) {
	owner, repo, ok := strings.Cut(pr.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return "", fmt.Errorf("github repo %q is not owner/name", pr.Repo)
	}
	created, _, err := g.client.PullRequests.Create(ctx, owner, repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(pr.Title),
		Body:  gogithub.Ptr(pr.Body),
		Head:  gogithub.Ptr(pr.Head),
		Base:  gogithub.Ptr(pr.Base),
	})
	if err != nil {
		return "", fmt.Errorf("create PR: %w", err)
	}
	return created.GetHTMLURL(), nil
}

// PublishResult reports the outcome of Publish.
type PublishResult struct {
	URL       string
	Skipped   bool
	Committed bool
}

// Publish commits pending changes, pushes the task branch to remote and
// opens a pull request against the task's base branch. The local worktree is
// removed afterwards; the branch stays for the pull request.
func (m *Manager) Publish(ctx context.Context, taskID string, pub Publisher, remote string, pr PullRequest) (PublishResult, error) {
	info, ok := m.Get(taskID)
	if !ok {
		return PublishResult{Skipped: true}, nil
	}
	if pub == nil {
		return PublishResult{}, fmt.Errorf("no pull request publisher configured")
	}
	if remote == "" {
		remote = "origin"
	}
	committed, err := m.commitPending(ctx, info)
	if err != nil {
		return PublishResult{}, err
	}
	if _, err := m.runner.Run(ctx, info.Dir, "push", "-u", remote, info.Branch); err != nil {
		return PublishResult{Committed: committed}, fmt.Errorf("push %s: %w", info.Branch, err)
	}
	pr.Head = info.Branch
	if pr.Base == "" {
		pr.Base = info.BaseBranch
	}
	url, err := pub.OpenPullRequest(ctx, pr)
	if err != nil {
		return PublishResult{Committed: committed}, err
	}
	if err := m.remove(ctx, info, false); err != nil {
		m.logger.Warn("worktree cleanup after publish failed", "task_id", taskID, "error", err)
	}
	m.logger.Info("pull request opened", "task_id", taskID, "branch", info.Branch, "url", url)
	return PublishResult{URL: url, Committed: committed}, nil
}
