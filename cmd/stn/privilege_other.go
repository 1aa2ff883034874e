//go:build !unix

package main

import (
	"context"

	"github.com/fh0stn/stn/internal/config"
)

// applyPrivilegeDrop is a no-op outside Unix: setuid/setgid are a
// Linux/Unix-only process behavior per spec.md §6.
func applyPrivilegeDrop(ctx context.Context, doc *config.Document) {}
