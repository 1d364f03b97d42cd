package shellcache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Worker is a versioned request handler that goes through install and activation
// before it controls requests.
type Worker interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnRequest(w http.ResponseWriter, r *http.Request)
}

// WorkerStatus is a snapshot of one worker.
type WorkerStatus struct {
	Version         string `json:"version"`
	State           string `json:"state,omitempty"`
	Entries         int    `json:"entries"`
	PrecacheEntries int    `json:"precacheEntries"`
	PrecacheFailed  int    `json:"precacheFailed"`
}

// HostStatus is a snapshot of the host.
type HostStatus struct {
	Active     *WorkerStatus `json:"active"`
	Waiting    *WorkerStatus `json:"waiting"`
	Installing string        `json:"installing,omitempty"`
}

type statusReporter interface {
	Status(ctx context.Context) WorkerStatus
}

type retirer interface {
	Retire()
}

type flusher interface {
	Flush()
}

type HostConfig struct {
	// Handler for requests arriving while no worker is active.
	// Requests are answered with 503 if nil.
	Passthrough http.Handler
	// Activate installed workers right away instead of waiting for SkipWaiting or ClientsClosed.
	SkipWaiting bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Host drives workers through their lifecycle and routes requests to the active one.
type Host struct {
	passthrough http.Handler
	autoSkip    bool
	log         zerolog.Logger

	active atomic.Pointer[registration]
	// held while a worker installs or activates
	lifecycle chan struct{}

	mu          sync.Mutex
	installing  *registration
	waiting     *registration
	skipPending bool
}

type registration struct {
	version    string
	worker     Worker
	released   chan struct{}
	once       sync.Once
	superseded bool
}

func (r *registration) release() {
	r.once.Do(func() { close(r.released) })
}

func (r *registration) status(ctx context.Context) *WorkerStatus {
	if sr, ok := r.worker.(statusReporter); ok {
		status := sr.Status(ctx)
		return &status
	}
	return &WorkerStatus{Version: r.version}
}

func NewHost(config HostConfig) *Host {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Host{
		passthrough: config.Passthrough,
		autoSkip:    config.SkipWaiting,
		log:         logger,
		lifecycle:   make(chan struct{}, 1),
	}
}

// Register installs the worker, waits until it may take over and activates it.
// It returns once the worker controls requests, or with the error that stopped it.
// The previously active worker keeps serving until the new one is active.
func (h *Host) Register(ctx context.Context, version string, worker Worker) error {
	log := h.log.With().Str("version", version).Logger()
	if cur := h.active.Load(); cur != nil && cur.version == version {
		log.Debug().Msg("Version already active")
		return nil
	}

	reg := &registration{
		version:  version,
		worker:   worker,
		released: make(chan struct{}),
	}
	if err := h.lock(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.installing = reg
	h.mu.Unlock()

	err := worker.OnInstall(ctx)

	h.mu.Lock()
	if h.installing == reg {
		h.installing = nil
	}
	if err != nil {
		h.skipPending = false
		h.mu.Unlock()
		h.unlock()
		log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install %s: %w", version, err)
	}
	if prev := h.waiting; prev != nil {
		prev.superseded = true
		prev.release()
	}
	h.waiting = reg
	if h.autoSkip || h.skipPending || h.active.Load() == nil {
		reg.release()
	}
	h.skipPending = false
	h.mu.Unlock()
	h.unlock()

	select {
	case <-reg.released:
	case <-ctx.Done():
		h.drop(reg)
		return ctx.Err()
	}

	// a newer install may supersede this one until the lock is held
	if err := h.lock(ctx); err != nil {
		h.drop(reg)
		return err
	}
	defer h.unlock()

	h.mu.Lock()
	superseded := reg.superseded
	if h.waiting == reg {
		h.waiting = nil
	}
	h.mu.Unlock()
	if superseded {
		log.Info().Msg("Replaced while waiting")
		retire(worker)
		return fmt.Errorf("%s: %w", version, ErrSuperseded)
	}

	if err := worker.OnActivate(ctx); err != nil {
		log.Error().Err(err).Msg("Activation failed")
		return fmt.Errorf("activate %s: %w", version, err)
	}

	prev := h.active.Swap(reg)
	if prev != nil {
		log.Info().Str("previous", prev.version).Msg("Taking over from previous version")
		retire(prev.worker)
	} else {
		log.Info().Msg("Taking control")
	}
	return nil
}

// lock serializes installs and activations, so an activation never sweeps
// the table of a version that is still being installed.
func (h *Host) lock(ctx context.Context) error {
	select {
	case h.lifecycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) unlock() {
	<-h.lifecycle
}

// drop forgets a waiting registration that will never activate.
func (h *Host) drop(reg *registration) {
	h.mu.Lock()
	if h.waiting == reg {
		h.waiting = nil
	}
	h.mu.Unlock()
	retire(reg.worker)
}

func retire(w Worker) {
	if r, ok := w.(retirer); ok {
		r.Retire()
	}
}

// SkipWaiting activates the waiting worker without waiting for clients to go away.
// Called during an install, it applies as soon as that install finishes.
// It reports whether there was a worker to release.
func (h *Host) SkipWaiting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiting != nil {
		h.log.Debug().Str("waiting", h.waiting.version).Msg("Skip waiting")
		h.waiting.release()
		return true
	}
	if h.installing != nil {
		h.skipPending = true
		return true
	}
	return false
}

// ClientsClosed tells the host that no client uses the active version anymore,
// which lets a waiting worker take over.
func (h *Host) ClientsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiting == nil {
		return false
	}
	h.log.Debug().Str("waiting", h.waiting.version).Msg("Clients closed")
	h.waiting.release()
	return true
}

// ActiveVersion returns the version of the active worker, or "" if there is none.
func (h *Host) ActiveVersion() string {
	if reg := h.active.Load(); reg != nil {
		return reg.version
	}
	return ""
}

// Flush waits for pending cache writes of the active worker.
func (h *Host) Flush() {
	if reg := h.active.Load(); reg != nil {
		if f, ok := reg.worker.(flusher); ok {
			f.Flush()
		}
	}
}

// Status returns a snapshot of the active, waiting and installing workers.
func (h *Host) Status(ctx context.Context) HostStatus {
	var status HostStatus
	if reg := h.active.Load(); reg != nil {
		status.Active = reg.status(ctx)
	}
	h.mu.Lock()
	waiting, installing := h.waiting, h.installing
	h.mu.Unlock()
	if waiting != nil {
		status.Waiting = waiting.status(ctx)
	}
	if installing != nil {
		status.Installing = installing.version
	}
	return status
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if reg := h.active.Load(); reg != nil {
		reg.worker.OnRequest(w, r)
		return
	}
	if h.passthrough != nil {
		h.passthrough.ServeHTTP(w, r)
		return
	}
	http.Error(w, "No active version", http.StatusServiceUnavailable)
}
