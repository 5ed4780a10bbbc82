// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package receive implements the dependency-ordered delivery of a
// manifest's modules to a consumer: every module is fetched in
// parallel, bounded by a shared concurrency limit, but handed to the
// Receiver only after every module it depends on has already been
// handed off.
package receive

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/fetch"
	"github.com/ziplineloader/zipline/lib/loaderrors"
	"github.com/ziplineloader/zipline/lib/manifest"
)

// Receiver consumes a module's verified bytes. Implementations are
// not assumed to be safe for concurrent use — Run serializes every
// call onto a single goroutine.
type Receiver interface {
	Receive(ctx context.Context, id string, sha256 contenthash.Hash, data []byte) error
}

// Fetcher is the subset of fetch.Chain that Run needs: fetching a
// module's bytes given its id, declared hash, and (possibly relative)
// URL, resolved against the manifest.
type Fetcher interface {
	Fetch(ctx context.Context, sem *semaphore.Weighted, applicationName, id string, sha256 contenthash.Hash, moduleURL string) ([]byte, error)
}

// Unpinner releases a prior pin for applicationName; Run calls it on
// any module job failure, matching the loader façade's "a failed load
// discards its target" contract.
type Unpinner interface {
	Unpin(ctx context.Context, applicationName string) error
}

// Config configures Run.
type Config struct {
	// ConcurrentDownloads bounds the number of module fetches in
	// flight at once. Default 3 if zero.
	ConcurrentDownloads int
	Logger              *slog.Logger
}

func (c Config) concurrentDownloads() int64 {
	if c.ConcurrentDownloads <= 0 {
		return 3
	}
	return int64(c.ConcurrentDownloads)
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// job tracks one module's progress. done is closed exactly once, after
// the module's bytes have been verified and handed to the receiver. A
// failed job never closes it; its dependents are released by the
// engine's cancelled context instead.
// Every job's done channel is created before any job's goroutine is
// launched, so a job's wait-set can never reference a channel that
// does not yet exist — the race the original dependency engine had.
type job struct {
	module  manifest.Module
	waitFor []<-chan struct{}
	done    chan struct{}
}

// Run fetches every module in m in parallel, respecting dependsOnIds
// ordering for receiver hand-off, and returns the first error
// encountered (if any). On failure it calls unpinner.Unpin for
// applicationName before returning.
func Run(ctx context.Context, cfg Config, fetcher Fetcher, unpinner Unpinner, applicationName, manifestURL string, m *manifest.Manifest, receiver Receiver) error {
	logger := cfg.logger()
	sem := semaphore.NewWeighted(cfg.concurrentDownloads())

	jobs := make(map[string]*job, len(m.Modules))
	for _, mod := range m.Modules {
		jobs[mod.ID] = &job{module: mod, done: make(chan struct{})}
	}
	for _, j := range jobs {
		for _, depID := range j.module.DependsOnIDs {
			dep, ok := jobs[depID]
			if !ok {
				return fmt.Errorf("%w: module %q depends on unknown id %q", loaderrors.ErrMissingDependency, j.module.ID, depID)
			}
			j.waitFor = append(j.waitFor, dep.done)
		}
	}

	handoff := make(chan handoffRequest)
	dispatcherDone := make(chan struct{})
	go runDispatcher(ctx, receiver, handoff, dispatcherDone)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		group.Go(func() error {
			return runJob(groupCtx, sem, fetcher, applicationName, manifestURL, j, handoff, logger)
		})
	}

	err := group.Wait()
	close(handoff)
	<-dispatcherDone

	if err != nil {
		if unpinErr := unpinner.Unpin(context.Background(), applicationName); unpinErr != nil {
			logger.Warn("unpin after failed receive", "app", applicationName, "error", unpinErr)
		}
		return err
	}
	return nil
}

type handoffRequest struct {
	id     string
	sha256 contenthash.Hash
	data   []byte
	result chan error
}

// runDispatcher serializes every Receiver.Receive call onto a single
// goroutine, since receivers (a script engine's module table, a
// writer to a shared directory) are not assumed thread-safe.
func runDispatcher(ctx context.Context, receiver Receiver, handoff <-chan handoffRequest, done chan<- struct{}) {
	defer close(done)
	for req := range handoff {
		req.result <- receiver.Receive(ctx, req.id, req.sha256, req.data)
	}
}

func runJob(ctx context.Context, sem *semaphore.Weighted, fetcher Fetcher, applicationName, manifestURL string, j *job, handoff chan<- handoffRequest, logger *slog.Logger) error {
	moduleURL, err := fetch.ResolveModuleURL(manifestURL, j.module.URL)
	if err != nil {
		return fmt.Errorf("resolving url for module %q: %w", j.module.ID, err)
	}

	// The semaphore is threaded through to the fetcher chain rather
	// than acquired here: only the fetcher that actually performs a
	// network transfer (HTTPFetcher) acquires it, held only across
	// that transfer. An embedded or cache hit never touches it, so
	// local-only loads are never throttled by concurrentDownloads.
	data, err := fetcher.Fetch(ctx, sem, applicationName, j.module.ID, j.module.SHA256, moduleURL)
	if err != nil {
		return fmt.Errorf("fetching module %q: %w", j.module.ID, err)
	}

	if contenthash.Sum(data) != j.module.SHA256 {
		return fmt.Errorf("%w: module %q", loaderrors.ErrChecksumMismatch, j.module.ID)
	}

	for _, dep := range j.waitFor {
		select {
		case <-dep:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	result := make(chan error, 1)
	select {
	case handoff <- handoffRequest{id: j.module.ID, sha256: j.module.SHA256, data: data, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: module %q: %v", loaderrors.ErrReceiverFailed, j.module.ID, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.Debug("module received", "id", j.module.ID)
	close(j.done)
	return nil
}
