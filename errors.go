package shellcache

import (
	"errors"
	"fmt"

	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
)

var (
	// ErrStoreOpen means the table for a version could not be created or opened.
	// The version is never activated.
	ErrStoreOpen = errors.New("could not open cache store")
	// ErrNetwork means the origin could not be reached after a cache miss.
	ErrNetwork = errors.New("network failure")
	// ErrCacheWrite means a write-through after a successful fetch failed.
	ErrCacheWrite = errors.New("could not write to cache")
	// ErrPrecacheIncomplete is returned by strict installs when a manifest entry failed.
	ErrPrecacheIncomplete = errors.New("precache incomplete")
	// ErrInvalidState is returned when a lifecycle step is invoked out of order.
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrSuperseded is returned by Host.Register when a newer version was installed
	// while this one was waiting.
	ErrSuperseded = errors.New("superseded by a newer version")
)

// PrecacheError is the failure to fetch or store one manifest entry.
type PrecacheError struct {
	Key cachekey.Key
	Err error
}

func (e *PrecacheError) Error() string {
	return fmt.Sprintf("precache %s: %v", e.Key, e.Err)
}

func (e *PrecacheError) Unwrap() error {
	return e.Err
}

// PrecacheReport is the outcome of the precache step of an install.
type PrecacheReport struct {
	Version string
	Stored  []cachekey.Key
	Failed  []*PrecacheError
}

// Err joins all entry failures, or returns nil if every entry was stored.
func (r PrecacheReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed)+1)
	errs = append(errs, ErrPrecacheIncomplete)
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}
