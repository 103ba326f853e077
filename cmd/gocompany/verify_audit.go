package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/config"
)

func runVerifyAuditCommand(args []string) int {
	return verifyAudit(args, os.Stdout, os.Stderr)
}

func verifyAudit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("path", "", "audit log to verify (default: <home>/logs/"+audit.ChainFileName+")")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: gocompany verify-audit [-path file]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	target := *path
	if target == "" {
		target = filepath.Join(cfg.HomeDir, "logs", audit.ChainFileName)
	}

	report, err := audit.VerifyChain(target, cfg.Audit.ChainSeed, cfg.Audit.ChainKey)
	switch {
	case errors.Is(err, audit.ErrChainBroken):
		fmt.Fprintf(stdout, "BROKEN %s: line %d: %s (verified %d entries before it)\n",
			target, report.BrokenAt, report.BrokenWhy, report.Entries)
		return 1
	case err != nil:
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK %s: %d entries, head %s\n", target, report.Entries, report.Head)
	return 0
}
