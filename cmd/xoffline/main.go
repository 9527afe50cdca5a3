// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command xoffline acquires, restores and releases offline DRM licenses and
// judges whether partially failed downloads can still be played offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/xoffline/internal/license"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		reportError(os.Stderr, err)
		stop()
		os.Exit(exitCode(err))
	}
}

func reportError(w io.Writer, err error) {
	var le *license.Error
	if errors.As(err, &le) {
		_, _ = fmt.Fprintf(w, "Error [%d %s]: %v\n", le.Code(), le.Kind.String(), err)
		return
	}
	_, _ = fmt.Fprintf(w, "Error: %v\n", err)
}

// exitCode maps failures to process exit codes: 2 for usage and
// configuration errors, 3 for a license that is valid but expiring too soon,
// 1 otherwise.
func exitCode(err error) int {
	var ue *usageError
	switch {
	case errors.As(err, &ue):
		return 2
	case errors.Is(err, license.KindInvalidConfig):
		return 2
	case errors.Is(err, license.KindLicenseExpiringTooSoon):
		return 3
	default:
		return 1
	}
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}
