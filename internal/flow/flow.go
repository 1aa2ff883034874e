// Package flow implements the bidirectional pump: the uniform streaming
// contract used for every TCP and UDP flow between an inbound and an
// outbound, supervised by an idle timeout.
//
// Grounded on pkg/connpool/dialer.go's readLoop/writeLoop/idleTimer triad and
// internal/pkg/proxy/proxy.go's pipe function, generalized from a single
// net.Conn pair to the Endpoint abstraction so the same pump drives both TCP
// byte streams and UDP (addr, bytes) datagram streams.
package flow

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/datawire/dlib/dlog"
)

// ErrTimeout is reported when no activity occurs on either direction for the
// configured idle timeout.
var ErrTimeout = errors.New("flow: idle timeout")

// Endpoint is one side of a pumped flow. Recv blocks for the next unit (a
// byte chunk for TCP, a datagram for UDP); Send writes one unit onward.
type Endpoint interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
}

// Result reports which side observed what, mirroring the source's
// bidirectional_with_timeout! destructuring of three sub-task results.
type Result struct {
	ClientErr error
	ServerErr error
	TimedOut  bool
}

// Pump runs both directions of a.<->b. concurrently until one of: a->b
// terminates, b->a terminates, or idleTimeout elapses with no activity on
// either direction. initial, if non-empty, is flushed to b before the first
// read from a — it carries handshake leftover bytes.
func Pump(ctx context.Context, tag string, a, b Endpoint, idleTimeout time.Duration, initial []byte) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tick := make(chan struct{}, 1)
	notify := func() {
		select {
		case tick <- struct{}{}:
		default:
		}
	}

	if len(initial) > 0 {
		if err := b.Send(ctx, initial); err != nil {
			return Result{ServerErr: err}
		}
		notify()
	}

	type dirResult struct {
		side string
		err  error
	}
	done := make(chan dirResult, 2)

	copyDir := func(side string, from, to Endpoint) {
		for {
			buf, err := from.Recv(ctx)
			if err != nil {
				done <- dirResult{side: side, err: err}
				return
			}
			notify()
			if len(buf) == 0 {
				continue
			}
			if err := to.Send(ctx, buf); err != nil {
				done <- dirResult{side: side, err: err}
				return
			}
			notify()
		}
	}
	go copyDir("client", a, b)
	go copyDir("server", b, a)

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	var res Result
	got := 0
	for got < 2 {
		select {
		case r := <-done:
			logDir(ctx, tag, r.side, r.err)
			if r.side == "client" {
				res.ClientErr = r.err
			} else {
				res.ServerErr = r.err
			}
			got++
			cancel()
		case <-tick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTimeout)
		case <-timer.C:
			res.TimedOut = true
			cancel()
			// Drain the remaining direction results without blocking forever;
			// cancellation propagates to Recv/Send via ctx.
			for got < 2 {
				r := <-done
				if r.side == "client" {
					res.ClientErr = r.err
				} else {
					res.ServerErr = r.err
				}
				got++
			}
		case <-ctx.Done():
			for got < 2 {
				r := <-done
				if r.side == "client" {
					res.ClientErr = r.err
				} else {
					res.ServerErr = r.err
				}
				got++
			}
		}
	}
	if res.TimedOut {
		// Both directions ended only because the timer cancelled them.
		res.ClientErr = ErrTimeout
	}
	return res
}

func logDir(ctx context.Context, tag, side string, err error) {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		dlog.Debugf(ctx, "%s %s closed: %v", tag, side, err)
		return
	}
	dlog.Warnf(ctx, "%s %s error: %v", tag, side, err)
}
