//go:build unix

package main

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"

	"github.com/fh0stn/stn/internal/config"
)

// applyPrivilegeDrop invokes setgid/setuid if configured. Callers must run
// this only after every listener has bound, since a successful low-port
// bind generally requires the starting privileges.
func applyPrivilegeDrop(ctx context.Context, doc *config.Document) {
	if doc.Setting.GID != nil {
		if err := unix.Setgid(*doc.Setting.GID); err != nil {
			dlog.Warnf(ctx, "stn: setgid(%d): %v", *doc.Setting.GID, err)
		}
	}
	if doc.Setting.UID != nil {
		if err := unix.Setuid(*doc.Setting.UID); err != nil {
			dlog.Warnf(ctx, "stn: setuid(%d): %v", *doc.Setting.UID, err)
		}
	}
}
