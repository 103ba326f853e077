package review

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-company/internal/launcher"
)

// LauncherReviewer asks each leader for an opinion through a one-shot run
// of the leader's provider.
type LauncherReviewer struct {
	Launchers *launcher.Registry
	HomeDir   string
	Timeout   time.Duration
	TailBytes int
}

func (r *LauncherReviewer) Opinion(ctx context.Context, req OpinionRequest) (string, error) {
	l, err := r.Launchers.Get(req.Leader.Provider)
	if err != nil {
		return "", err
	}
	logPath := filepath.Join(r.HomeDir, "logs", "reviews",
		fmt.Sprintf("%s-r%d-%s.log", req.Task.ID, req.Round, req.Leader.ID))
	// Transcripts append; a rerun of the same round starts clean.
	_ = os.Remove(logPath)

	workDir := req.Task.ProjectPath
	if workDir == "" {
		workDir = r.HomeDir
	}
	tail := r.TailBytes
	if tail <= 0 {
		tail = 4000
	}
	spec := launcher.Spec{
		TaskID:      req.Task.ID,
		AgentID:     req.Leader.ID,
		Provider:    req.Leader.Provider,
		Prompt:      BuildOpinionPrompt(req),
		WorkDir:     workDir,
		LogPath:     logPath,
		IdleTimeout: r.Timeout,
		HardTimeout: r.Timeout,
	}
	out, exit, err := launcher.RunOnce(ctx, l, spec, tail)
	if err != nil {
		return "", err
	}
	if !exit.Success() {
		return "", fmt.Errorf("opinion run for %s ended with code %d (%s)", req.Leader.ID, exit.Code, exit.Reason)
	}
	return strings.TrimSpace(out), nil
}
