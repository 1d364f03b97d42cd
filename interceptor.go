package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	cachestatus "github.com/always-cache/shellcache/pkg/cache-status"
	"github.com/always-cache/shellcache/pkg/origin"
	tee "github.com/always-cache/shellcache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// Interceptor serves requests cache-first from one table, falling back to the origin.
// Successful retrievals from the origin are written through to the table.
type Interceptor struct {
	mu    sync.RWMutex
	table cache.Table
	// reopen recreates the table after it was deleted from under the interceptor.
	// Writes to a deleted table are dropped if nil.
	reopen   func(ctx context.Context) (cache.Table, error)
	origin   origin.Origin
	shellKey cachekey.Key
	timeout  time.Duration
	log      zerolog.Logger
	writes   sync.WaitGroup
}

// ServeHTTP implements the http.Handler interface.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer i.recover(w, r)
	i.handle(w, r)
}

// recover recovers from panics and sends the request to the escape hatch.
func (i *Interceptor) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		i.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		i.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the origin.
func (i *Interceptor) escapeHatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), i.timeout)
	defer cancel()
	res, err := i.origin.Fetch(ctx, r)
	if err != nil {
		i.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	if err := origin.Send(w, res); err != nil {
		i.log.Error().Err(err).Msg("Error writing to client")
	}
}

func (i *Interceptor) handle(w http.ResponseWriter, r *http.Request) {
	log := i.log.With().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Logger()
	var cacheStatus cachestatus.CacheStatus

	key, err := cachekey.FromRequest(r)
	if err != nil {
		// mutations are never looked up or stored
		cacheStatus.Forward(cachestatus.FwdReasonMethod)
		i.forward(w, r, cacheStatus, log)
		return
	}
	log = log.With().Str("key", key.String()).Logger()

	if res, ok := i.lookup(r.Context(), key, log); ok {
		cacheStatus.Hit()
		i.send(w, res, cacheStatus, log)
		return
	}
	cacheStatus.Forward(cachestatus.FwdReasonUriMiss)

	log.Trace().Msg("Forwarding to origin")
	ctx, cancel := context.WithTimeout(r.Context(), i.timeout)
	defer cancel()
	res, err := i.origin.Fetch(ctx, r)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNetwork, err)
		if isNavigation(r) {
			if shell, ok := i.get(r.Context(), i.shellKey, log); ok {
				log.Warn().Err(err).Msg("Origin unreachable, serving shell")
				cacheStatus.Forward(cachestatus.FwdReasonMiss)
				cacheStatus.Detail("offline")
				i.send(w, shell, cacheStatus, log)
				return
			}
		}
		log.Error().Err(err).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		w.Header().Add(cachestatus.HeaderName, cacheStatus.String())
		if err := origin.Send(w, res); err != nil {
			log.Error().Err(err).Msg("Error writing to client")
		}
		i.logRequest(log, res.StatusCode, cacheStatus)
		return
	}

	// set cache-status on underlying rw only (i.e. do not save to cache)
	cacheStatus.Stored = true
	w.Header().Add(cachestatus.HeaderName, cacheStatus.String())

	rwtee := tee.NewResponseSaver(w)
	copyHeader(rwtee.Header(), res.Header)
	rwtee.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rwtee, res.Body); err != nil {
		// a truncated body must not end up in the cache
		log.Error().Err(err).Msg("Could not read response body from origin")
		return
	}
	if err := rwtee.ClientErr(); err != nil {
		log.Debug().Err(err).Msg("Client went away, storing response anyway")
	}
	i.logRequest(log, res.StatusCode, cacheStatus)

	i.writeThrough(r.Context(), key, cache.Resource{
		StatusCode: rwtee.StatusCode(),
		Header:     rwtee.SavedHeader(),
		Body:       rwtee.Body(),
		StoredAt:   rwtee.CreatedAt,
	}, log)
}

// lookup finds the stored response for a key. Requests with a query string also match
// the response stored for their path, which is how assets requested with cache-busting
// parameters are found in the precache.
func (i *Interceptor) lookup(ctx context.Context, key cachekey.Key, log zerolog.Logger) (cache.Resource, bool) {
	if res, ok := i.get(ctx, key, log); ok {
		return res, true
	}
	if strings.Contains(key.URL, "://") {
		return cache.Resource{}, false
	}
	if pathKey, ok := key.PathOnly(); ok {
		return i.get(ctx, pathKey, log)
	}
	return cache.Resource{}, false
}

func (i *Interceptor) get(ctx context.Context, key cachekey.Key, log zerolog.Logger) (cache.Resource, bool) {
	res, ok, err := i.currentTable().Get(ctx, key.String())
	if err != nil {
		log.Warn().Err(err).Msg("Could not read from cache")
		return cache.Resource{}, false
	}
	return res, ok
}

// writeThrough stores the response without holding up the client.
// The write outlives the request, so a client disconnecting cannot interrupt it.
func (i *Interceptor) writeThrough(ctx context.Context, key cachekey.Key, res cache.Resource, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	i.writes.Add(1)
	go func() {
		defer i.writes.Done()
		if err := i.put(ctx, key, res, log); err != nil {
			log.Warn().Err(fmt.Errorf("%w: %w", ErrCacheWrite, err)).Msg("Cache write failed")
			return
		}
		log.Trace().Int("bytes", len(res.Body)).Msg("Cache write")
	}()
}

func (i *Interceptor) currentTable() cache.Table {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.table
}

// put writes to the current table. A table that was cleared is opened again
// and the write retried once.
func (i *Interceptor) put(ctx context.Context, key cachekey.Key, res cache.Resource, log zerolog.Logger) error {
	table := i.currentTable()
	err := table.Put(ctx, key.String(), res)
	if !errors.Is(err, cache.ErrTableDeleted) || i.reopen == nil {
		return err
	}
	reopened, reopenErr := i.reopen(ctx)
	if reopenErr != nil {
		log.Debug().Err(reopenErr).Msg("Not reopening deleted table")
		return err
	}
	i.mu.Lock()
	if i.table == table {
		i.table = reopened
	}
	i.mu.Unlock()
	return reopened.Put(ctx, key.String(), res)
}

// Wait blocks until all pending cache writes have finished.
func (i *Interceptor) Wait() {
	i.writes.Wait()
}

// forward passes a request the cache does not handle to the origin untouched.
func (i *Interceptor) forward(w http.ResponseWriter, r *http.Request, cacheStatus cachestatus.CacheStatus, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(r.Context(), i.timeout)
	defer cancel()
	res, err := i.origin.Fetch(ctx, r)
	if err != nil {
		log.Error().Err(fmt.Errorf("%w: %w", ErrNetwork, err)).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	w.Header().Add(cachestatus.HeaderName, cacheStatus.String())
	if err := origin.Send(w, res); err != nil {
		log.Error().Err(err).Msg("Error writing to client")
	}
	i.logRequest(log, res.StatusCode, cacheStatus)
}

func (i *Interceptor) send(w http.ResponseWriter, res cache.Resource, cacheStatus cachestatus.CacheStatus, log zerolog.Logger) {
	copyHeader(w.Header(), res.Header)
	w.Header().Add(cachestatus.HeaderName, cacheStatus.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := w.Write(res.Body)
	if err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	i.logRequest(log, res.StatusCode, cacheStatus)
	log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (i *Interceptor) logRequest(log zerolog.Logger, statusCode int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.Status == cachestatus.StatusHit {
		isHit = 1
	}
	log.Debug().
		Int("code", statusCode).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// isNavigation reports whether the request loads a top-level document.
// Browsers send Sec-Fetch-Mode; without it a GET accepting HTML counts as navigation.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
