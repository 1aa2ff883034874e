//go:build !linux

package runtime

import (
	"context"
	"fmt"

	"github.com/fh0stn/stn/internal/config"
)

// bindPlatformInbound rejects tproxy/tun outside Linux: both depend on
// Linux-only socket options and TUN device creation, so there is no
// non-Linux implementation to bind here.
func bindPlatformInbound(ctx context.Context, rt *Runtime, in config.InEntry) ([]boundServe, error) {
	return nil, fmt.Errorf("runtime: inbound protocol %q requires Linux", in.Protocol)
}
