package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of an engine.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
	// The version failed to install or activate, or was replaced by a newer one.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OnInstall opens the table for the engine's version and precaches the manifest.
// Entries that cannot be fetched are logged and skipped unless the engine is strict.
// The engine is waiting when OnInstall returns without error.
func (e *Engine) OnInstall(ctx context.Context) error {
	if state := e.State(); state != StateParsed {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, state)
	}
	e.setState(StateInstalling)
	e.log.Info().Msg("Installing")

	table, err := e.store.Open(ctx, e.version)
	if err != nil {
		e.setState(StateRedundant)
		e.log.Error().Err(err).Msg("Could not open cache store")
		return fmt.Errorf("%w %s: %w", ErrStoreOpen, e.version, err)
	}

	report := e.precache(ctx, table)
	e.mu.Lock()
	e.report = report
	e.mu.Unlock()

	e.log.Info().
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Msg("Precache finished")

	if err := report.Err(); err != nil && e.strict {
		e.setState(StateRedundant)
		if _, delErr := e.store.Delete(ctx, e.version); delErr != nil {
			e.log.Warn().Err(delErr).Msg("Could not delete incomplete cache")
		}
		return err
	}

	e.mu.Lock()
	e.interceptor = &Interceptor{
		table:    table,
		reopen:   e.reopenTable,
		origin:   e.origin,
		shellKey: e.shellKey,
		timeout:  e.fetchTimeout,
		log:      e.log,
	}
	e.mu.Unlock()
	e.setState(StateWaiting)
	return nil
}

// precache fetches every manifest entry as an independent task.
// A failing entry never stops the others; all tasks finish before it returns.
func (e *Engine) precache(ctx context.Context, table cache.Table) PrecacheReport {
	results := make([]error, len(e.keys))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, key := range e.keys {
		g.Go(func() error {
			results[i] = e.precacheEntry(ctx, table, key)
			return nil
		})
	}
	g.Wait()

	report := PrecacheReport{Version: e.version}
	for i, err := range results {
		key := e.keys[i]
		if err != nil {
			pErr := &PrecacheError{Key: key, Err: err}
			e.log.Warn().Err(err).Str("key", key.String()).Msg("Could not precache entry")
			report.Failed = append(report.Failed, pErr)
			continue
		}
		report.Stored = append(report.Stored, key)
	}
	return report
}

func (e *Engine) precacheEntry(ctx context.Context, table cache.Table, key cachekey.Key) error {
	req, err := key.Request()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	requestedAt := time.Now()
	res, err := e.origin.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("origin responded %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	err = table.Put(ctx, key.String(), cache.Resource{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		StoredAt:   requestedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}
	e.log.Trace().Str("key", key.String()).Int("bytes", len(body)).Msg("Precached")
	return nil
}

// OnActivate deletes every table other than the engine's own version.
// The sweep completes before the engine becomes active, so requests served by
// the engine never observe a partially deleted store.
func (e *Engine) OnActivate(ctx context.Context) error {
	if state := e.State(); state != StateWaiting {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, state)
	}
	e.setState(StateActivating)
	e.log.Info().Msg("Activating")

	versions, err := e.store.Versions(ctx)
	if err != nil {
		e.setState(StateRedundant)
		e.log.Error().Err(err).Msg("Could not list cache versions")
		return fmt.Errorf("listing cache versions: %w", err)
	}

	var errs []error
	for _, version := range versions {
		if version == e.version {
			continue
		}
		if _, err := e.store.Delete(ctx, version); err != nil {
			e.log.Error().Err(err).Str("stale", version).Msg("Could not delete old cache")
			errs = append(errs, err)
			continue
		}
		e.log.Info().Str("stale", version).Msg("Deleted old cache")
	}
	if len(errs) > 0 {
		e.log.Warn().Err(errors.Join(errs...)).Msg("Old caches left behind")
	}

	e.setState(StateActive)
	return nil
}

// reopenTable opens the engine's table again after all caches were cleared.
// A table swept by the activation of another version stays deleted.
func (e *Engine) reopenTable(ctx context.Context) (cache.Table, error) {
	if state := e.State(); state != StateActive {
		return nil, fmt.Errorf("%w: reopen from %s", ErrInvalidState, state)
	}
	versions, err := e.store.Versions(ctx)
	if err != nil {
		return nil, err
	}
	for _, version := range versions {
		if version != e.version {
			return nil, fmt.Errorf("%w: superseded by %s", cache.ErrTableDeleted, version)
		}
	}
	e.log.Info().Msg("Reopening cleared cache")
	return e.store.Open(ctx, e.version)
}

// Retire marks the engine as replaced by a newer version.
func (e *Engine) Retire() {
	e.Flush()
	e.setState(StateRedundant)
}

// ClearAll deletes every table in the store and returns the deleted versions.
func ClearAll(ctx context.Context, store cache.Store) ([]string, error) {
	versions, err := store.Versions(ctx)
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(versions))
	var errs []error
	for _, version := range versions {
		if existed, err := store.Delete(ctx, version); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", version, err))
		} else if existed {
			deleted = append(deleted, version)
		}
	}
	return deleted, errors.Join(errs...)
}
