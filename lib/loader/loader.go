// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package loader provides the Loader façade: fetch-and-verify a
// manifest, receive its modules in dependency order, and pin the
// result in the cache on success.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/fetch"
	"github.com/ziplineloader/zipline/lib/loaderrors"
	"github.com/ziplineloader/zipline/lib/manifest"
	"github.com/ziplineloader/zipline/lib/receive"
	"github.com/ziplineloader/zipline/lib/verify"
)

// EventListener receives load lifecycle notifications. Every method
// may be nil-safe-called through NopEventListener; implementations
// that only care about a subset embed NopEventListener.
type EventListener interface {
	ApplicationLoadStart(applicationName, manifestURL string)
	ApplicationLoadEnd(applicationName, manifestURL string)
	ApplicationLoadFailed(applicationName, manifestURL string, err error)
}

// NopEventListener implements EventListener with no-ops; embed it to
// satisfy the interface without implementing every method.
type NopEventListener struct{}

func (NopEventListener) ApplicationLoadStart(applicationName, manifestURL string)             {}
func (NopEventListener) ApplicationLoadEnd(applicationName, manifestURL string)                {}
func (NopEventListener) ApplicationLoadFailed(applicationName, manifestURL string, err error) {}

// Session is a successfully loaded application: the manifest it was
// loaded from and the receiver that accepted its modules. Close
// runs the receiver's release function, if it has one; the in-memory
// receiver LoadOrFail uses has none.
type Session struct {
	// ID correlates this session's log lines across the fetch, verify,
	// and receive stages of a single load.
	ID              string
	ApplicationName string
	Manifest        *manifest.Manifest
	receiver        receive.Receiver
	closer          func() error
}

// Close releases the session's resources. Safe to call multiple times.
func (s *Session) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Config configures a Loader.
type Config struct {
	Chain    *fetch.Chain
	Verifier *verify.Verifier

	// AllowInsecure permits the Loader to honor the Verifier's
	// Options.InsecureSkipVerify. It must be true here AND the Verifier
	// itself must have been constructed with InsecureSkipVerify for any
	// load to skip verification — the Verifier's flag can never disable
	// verification on its own.
	AllowInsecure bool

	ConcurrentDownloads int
	Listener            EventListener
	Logger              *slog.Logger
}

func (c Config) listener() EventListener {
	if c.Listener == nil {
		return NopEventListener{}
	}
	return c.Listener
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// Loader is the façade over fetch, verify, and receive: orchestrating
// a single application's load.
type Loader struct {
	cfg Config
}

// New constructs a Loader.
func New(cfg Config) *Loader {
	return &Loader{cfg: cfg}
}

// verify checks a manifest's signature, honoring InsecureSkipVerify
// only if both the Verifier and Config.AllowInsecure agree to skip it.
func (l *Loader) verify(raw []byte, m *manifest.Manifest) error {
	if l.cfg.Verifier.InsecureSkipVerify() && l.cfg.AllowInsecure {
		return nil
	}
	return l.cfg.Verifier.VerifyStrict(raw, m)
}

// newReceiverFunc builds the Receiver a load hands to the receive
// engine, plus an optional release function for the Session. LoadOrFail
// passes the in-memory receiver factory; Download does not go through
// loadOrFail and runs its own fetch/verify/receive sequence with a
// downloadReceiver.
type newReceiverFunc func() (receive.Receiver, func() error, error)

// LoadOrFail fetches and verifies applicationName's manifest from
// manifestURL, receives every module in dependency order into a
// fresh Session, runs initializer as a caller-supplied smoke test,
// and pins the result. On any failure the partially-built session is
// closed and ApplicationLoadFailed fires.
func (l *Loader) LoadOrFail(ctx context.Context, applicationName, manifestURL string, initializer func(*Session) error) (*Session, error) {
	return l.loadOrFail(ctx, applicationName, manifestURL, initializer, defaultReceiverFactory())
}

func (l *Loader) loadOrFail(ctx context.Context, applicationName, manifestURL string, initializer func(*Session) error, newReceiver newReceiverFunc) (sess *Session, err error) {
	listener := l.cfg.listener()
	sessionID := uuid.NewString()
	logger := l.cfg.logger().With("session", sessionID, "app", applicationName)
	listener.ApplicationLoadStart(applicationName, manifestURL)

	defer func() {
		if err != nil {
			listener.ApplicationLoadFailed(applicationName, manifestURL, err)
			if sess != nil {
				sess.Close()
				sess = nil
			}
		} else {
			listener.ApplicationLoadEnd(applicationName, manifestURL)
		}
	}()

	raw, parsed, err := l.cfg.Chain.FetchManifest(ctx, applicationName, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest for %q: %w", applicationName, err)
	}

	if err := l.verify(raw, parsed); err != nil {
		return nil, fmt.Errorf("verifying manifest for %q: %w", applicationName, err)
	}

	tracker, closer, err := newReceiver()
	if err != nil {
		return nil, fmt.Errorf("preparing receiver for %q: %w", applicationName, err)
	}

	unpinner := l.cfg.Chain
	if err := receive.Run(ctx, receive.Config{ConcurrentDownloads: l.cfg.ConcurrentDownloads, Logger: logger}, l.cfg.Chain, unpinner, applicationName, manifestURL, parsed, tracker); err != nil {
		return nil, fmt.Errorf("receiving modules for %q: %w", applicationName, err)
	}

	session := &Session{ID: sessionID, ApplicationName: applicationName, Manifest: parsed, receiver: tracker, closer: closer}

	if initializer != nil {
		if err := initializer(session); err != nil {
			return session, fmt.Errorf("initializing %q: %w", applicationName, err)
		}
	}

	if err := l.cfg.Chain.Pin(ctx, applicationName, parsed); err != nil {
		return session, fmt.Errorf("pinning %q: %w", applicationName, err)
	}

	logger.Info("application loaded", "url", manifestURL, "modules", len(parsed.Modules))
	return session, nil
}

// LoadOrFallBack tries LoadOrFail against manifestURL; on any failure
// it retries once with an empty manifest URL, which forces the
// fetcher chain to satisfy the manifest from local sources only
// (embedded bundle or a previously pinned cache entry).
func (l *Loader) LoadOrFallBack(ctx context.Context, applicationName, manifestURL string, initializer func(*Session) error) (*Session, error) {
	sess, err := l.LoadOrFail(ctx, applicationName, manifestURL, initializer)
	if err == nil {
		return sess, nil
	}
	l.cfg.logger().Info("load failed, falling back to local sources", "app", applicationName, "url", manifestURL, "error", err)
	return l.LoadOrFail(ctx, applicationName, "", initializer)
}

// memoryReceiver accumulates module bytes in memory, keyed by id. It
// is the Receiver used by LoadOrFail / LoadOrFallBack.
type memoryReceiver struct {
	modules map[string][]byte
}

func (m *memoryReceiver) Receive(ctx context.Context, id string, sha256 contenthash.Hash, data []byte) error {
	m.modules[id] = data
	return nil
}

// Module returns the bytes received for id, if any.
func (s *Session) Module(id string) ([]byte, bool) {
	mr, ok := s.receiver.(*memoryReceiver)
	if !ok {
		return nil, false
	}
	data, ok := mr.modules[id]
	return data, ok
}

func defaultReceiverFactory() newReceiverFunc {
	return func() (receive.Receiver, func() error, error) {
		return &memoryReceiver{modules: make(map[string][]byte)}, nil, nil
	}
}

// Download fetches and verifies applicationName's manifest and
// modules, writing each module's bytes to dir/<sha256-hex>.zipline and
// the manifest JSON to dir/<applicationName>.manifest.zipline.json.
// After every module is written its hash is re-verified by reading it
// back from disk, catching corruption introduced between
// verification and persistence.
func (l *Loader) Download(ctx context.Context, applicationName, manifestURL, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating download directory %s: %w", dir, err)
	}

	raw, parsed, err := l.cfg.Chain.FetchManifest(ctx, applicationName, manifestURL)
	if err != nil {
		return fmt.Errorf("fetching manifest for %q: %w", applicationName, err)
	}
	if err := l.verify(raw, parsed); err != nil {
		return fmt.Errorf("verifying manifest for %q: %w", applicationName, err)
	}

	dr := &downloadReceiver{dir: dir}
	unpinner := l.cfg.Chain
	if err := receive.Run(ctx, receive.Config{ConcurrentDownloads: l.cfg.ConcurrentDownloads, Logger: l.cfg.logger()}, l.cfg.Chain, unpinner, applicationName, manifestURL, parsed, dr); err != nil {
		return fmt.Errorf("receiving modules for %q: %w", applicationName, err)
	}

	manifestPath := filepath.Join(dir, applicationName+".manifest.zipline.json")
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return fmt.Errorf("writing manifest to %s: %w", manifestPath, err)
	}

	l.cfg.logger().Info("application downloaded", "app", applicationName, "dir", dir, "modules", len(parsed.Modules))
	return nil
}

// downloadReceiver writes each module's verified bytes to dir and
// re-verifies them by hashing the file back off disk.
type downloadReceiver struct {
	dir string
}

func (d *downloadReceiver) Receive(ctx context.Context, id string, sha256 contenthash.Hash, data []byte) error {
	path := filepath.Join(d.dir, sha256.String()+".zipline")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing module %q to %s: %w", id, path, err)
	}
	onDisk, err := contenthash.HashFile(path)
	if err != nil {
		return fmt.Errorf("re-hashing written module %q: %w", id, err)
	}
	if onDisk != sha256 {
		return fmt.Errorf("%w: module %q written to %s does not match after write", loaderrors.ErrChecksumMismatch, id, path)
	}
	return nil
}
