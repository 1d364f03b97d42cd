package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	"github.com/always-cache/shellcache/pkg/manifest"
	"github.com/always-cache/shellcache/pkg/origin"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultShellPath           = "/index.html"
	DefaultFetchTimeout        = 10 * time.Second
	DefaultPrecacheConcurrency = 4
)

type Config struct {
	// Name of the release. Changing it is what triggers a new install.
	Version string
	// Storage for the versioned resource tables.
	Store cache.Store
	// Where resources come from on a cache miss.
	Origin origin.Origin
	// Resources to precache on install. The default application shell is used if nil.
	Manifest manifest.List
	// Document served to navigations when the origin cannot be reached.
	ShellPath string
	// Upper bound for every origin fetch.
	FetchTimeout time.Duration
	// Number of manifest entries fetched at the same time during install.
	PrecacheConcurrency int
	// Fail the install if any manifest entry cannot be precached.
	StrictPrecache bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Engine is the cache engine for one version of the application.
// It implements Worker; a Host drives it through install and activation
// and then hands it every request.
type Engine struct {
	version      string
	store        cache.Store
	origin       origin.Origin
	keys         []cachekey.Key
	shellKey     cachekey.Key
	fetchTimeout time.Duration
	concurrency  int
	strict       bool
	log          zerolog.Logger
	passthrough  http.Handler

	mu          sync.RWMutex
	state       State
	report      PrecacheReport
	interceptor *Interceptor
}

// New creates the engine for the configured version.
// Nothing is fetched or stored until the engine is installed.
func New(config Config) (*Engine, error) {
	if config.Version == "" {
		return nil, errors.New("version is required")
	}
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Origin == nil {
		return nil, errors.New("origin is required")
	}

	list := config.Manifest
	if list == nil {
		list = manifest.Default()
	}
	keys, err := list.Keys()
	if err != nil {
		return nil, err
	}

	shellPath := config.ShellPath
	if shellPath == "" {
		shellPath = DefaultShellPath
	}
	shellKey, err := cachekey.Resolve(http.MethodGet, shellPath)
	if err != nil {
		return nil, fmt.Errorf("shell path %q: %w", shellPath, err)
	}

	// use global logger if not specified in config
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("version", config.Version).Logger()

	e := &Engine{
		version:      config.Version,
		store:        config.Store,
		origin:       config.Origin,
		keys:         keys,
		shellKey:     shellKey,
		fetchTimeout: config.FetchTimeout,
		concurrency:  config.PrecacheConcurrency,
		strict:       config.StrictPrecache,
		log:          logger,
		passthrough:  origin.Handler(config.Origin),
		state:        StateParsed,
	}
	if e.fetchTimeout <= 0 {
		e.fetchTimeout = DefaultFetchTimeout
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultPrecacheConcurrency
	}
	return e, nil
}

// Version returns the name of the release the engine serves.
func (e *Engine) Version() string {
	return e.version
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Report returns the outcome of the last install.
func (e *Engine) Report() PrecacheReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.report
}

// OnRequest serves a request. Until the engine is active, requests go straight to the origin.
func (e *Engine) OnRequest(w http.ResponseWriter, r *http.Request) {
	e.mu.RLock()
	interceptor := e.interceptor
	active := e.state == StateActive
	e.mu.RUnlock()
	if !active || interceptor == nil {
		e.passthrough.ServeHTTP(w, r)
		return
	}
	interceptor.ServeHTTP(w, r)
}

// Flush waits for pending cache writes.
func (e *Engine) Flush() {
	e.mu.RLock()
	interceptor := e.interceptor
	e.mu.RUnlock()
	if interceptor != nil {
		interceptor.Wait()
	}
}

// Status describes the engine for status reporting.
func (e *Engine) Status(ctx context.Context) WorkerStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := WorkerStatus{
		Version:         e.version,
		State:           e.state.String(),
		PrecacheFailed:  len(e.report.Failed),
		PrecacheEntries: len(e.keys),
	}
	if e.interceptor != nil {
		if keys, err := e.interceptor.currentTable().Keys(ctx); err == nil {
			status.Entries = len(keys)
		} else {
			e.log.Warn().Err(err).Msg("Could not count cache entries")
		}
	}
	return status
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Debug().Str("from", e.state.String()).Str("to", state.String()).Msg("Lifecycle state change")
	e.state = state
}
