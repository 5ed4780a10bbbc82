// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package continuous polls a stream of manifest URLs, re-loading an
// application only when the manifest's verified content actually
// changes — not merely when its URL is re-emitted.
package continuous

import (
	"context"
	"log/slog"
	"time"

	"github.com/ziplineloader/zipline/lib/clock"
	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/fetch"
	"github.com/ziplineloader/zipline/lib/loader"
	"github.com/ziplineloader/zipline/lib/manifest"
	"github.com/ziplineloader/zipline/lib/verify"
)

// Config configures a Controller.
type Config struct {
	Chain           *fetch.Chain
	Verifier        *verify.Verifier
	Loader          *loader.Loader
	ApplicationName string

	// PollInterval is the rebounce period: the upstream URL is
	// re-emitted at this cadence even if quiet. Default 30s if zero.
	PollInterval time.Duration

	// PollJitterFraction shortens each rebounce wait by up to this
	// fraction of PollInterval, at random, so that many zipline-loader
	// instances polling the same manifest URL don't all hit the origin
	// at the same wall-clock offset. Jitter only ever makes a wait
	// shorter, never longer, so "re-emit at least every T" still
	// holds. Default 0.1 if zero; set negative to disable.
	PollJitterFraction float64

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 30 * time.Second
	}
	return c.PollInterval
}

func (c Config) pollJitterFraction() float64 {
	if c.PollJitterFraction == 0 {
		return 0.1
	}
	if c.PollJitterFraction < 0 {
		return 0
	}
	return c.PollJitterFraction
}

func (c Config) clock() clock.Clock {
	if c.Clock == nil {
		return clock.Real()
	}
	return c.Clock
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// Controller polls a URL stream and emits one Session per distinct
// manifest content.
type Controller struct {
	cfg Config
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Run consumes urls until it closes or ctx is cancelled, and returns a
// channel of load sessions — one per distinct manifest content seen.
// The returned channel is closed once urls is drained (or ctx is
// cancelled) and every in-flight load has settled. initializer is the
// caller's smoke test, passed through to every underlying load.
func (ctrl *Controller) Run(ctx context.Context, urls <-chan string, initializer func(*loader.Session) error) <-chan *loader.Session {
	rebounced := ctrl.rebounce(ctx, urls)
	sessions := make(chan *loader.Session)

	go func() {
		defer close(sessions)

		var lastContentHash contenthash.Hash
		haveLast := false

		for {
			select {
			case <-ctx.Done():
				return
			case url, ok := <-rebounced:
				if !ok {
					return
				}

				raw, _, err := ctrl.cfg.Chain.FetchManifest(ctx, ctrl.cfg.ApplicationName, url)
				if err != nil {
					ctrl.cfg.logger().Debug("continuous poll: manifest fetch failed, dropping", "url", url, "error", err)
					continue
				}
				parsed, err := manifest.Parse(raw)
				if err != nil {
					ctrl.cfg.logger().Debug("continuous poll: manifest parse failed, dropping", "url", url, "error", err)
					continue
				}
				if err := ctrl.cfg.Verifier.Verify(raw, parsed); err != nil {
					ctrl.cfg.logger().Debug("continuous poll: manifest verification failed, dropping", "url", url, "error", err)
					continue
				}

				contentHash := contenthash.Sum(raw)
				if haveLast && contentHash == lastContentHash {
					continue
				}
				haveLast = true
				lastContentHash = contentHash

				sess, err := ctrl.cfg.Loader.LoadOrFail(ctx, ctrl.cfg.ApplicationName, url, initializer)
				if err != nil {
					ctrl.cfg.logger().Debug("continuous poll: load failed, dropping", "url", url, "error", err)
					continue
				}

				select {
				case sessions <- sess:
				case <-ctx.Done():
					sess.Close()
					return
				}
			}
		}
	}()

	return sessions
}

// rebounce re-emits the most recently seen upstream value at least
// every PollInterval: a fast-emitting upstream passes through
// unmodified, a quiet one gets its last value repeated on every wait.
// Each wait is independently jittered (see PollJitterFraction) so a
// fleet of pollers desyncs instead of ticking in lockstep.
func (ctrl *Controller) rebounce(ctx context.Context, urls <-chan string) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)

		clk := ctrl.cfg.clock()
		nextWait := func() <-chan time.Time {
			return clk.After(clock.JitteredDuration(ctrl.cfg.pollInterval(), ctrl.cfg.pollJitterFraction()))
		}
		wait := nextWait()

		var last string
		haveLast := false

		for {
			select {
			case <-ctx.Done():
				return
			case url, ok := <-urls:
				if !ok {
					return
				}
				last = url
				haveLast = true
				select {
				case out <- url:
				case <-ctx.Done():
					return
				}
			case <-wait:
				wait = nextWait()
				if !haveLast {
					continue
				}
				select {
				case out <- last:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
