package channels

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Channel is an external chat platform bridged into the company.
type Channel interface {
	Name() string

	// Start blocks until ctx is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Run starts every channel and blocks until all of them have returned. A
// channel that fails is logged and does not stop the others; the first
// failure is returned.
func Run(ctx context.Context, logger *slog.Logger, chs ...Channel) error {
	if logger == nil {
		logger = slog.Default()
	}
	var g errgroup.Group
	for _, ch := range chs {
		g.Go(func() error {
			logger.Info("channel starting", "channel", ch.Name())
			err := ch.Start(ctx)
			if err != nil {
				logger.Error("channel stopped", "channel", ch.Name(), "error", err)
			}
			return err
		})
	}
	return g.Wait()
}
