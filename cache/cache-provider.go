package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrTableDeleted is returned when writing to a table whose version has been deleted.
var ErrTableDeleted = errors.New("cache table has been deleted")

// Store is a set of named, versioned resource tables persisted across restarts.
// Operating on whole versions is what allows a new release to be prepared
// next to the one currently serving.
//
// Implementations must be thread-safe!
type Store interface {
	// Open returns the table for the given version, creating it if needed.
	// Opening the same version twice returns the same table.
	Open(ctx context.Context, version string) (Table, error)
	// Versions returns the names of all existing tables, sorted.
	Versions(ctx context.Context) ([]string, error)
	// Delete removes the table for the given version with all its entries.
	// It returns false if there was no such table.
	Delete(ctx context.Context, version string) (bool, error)
	// Close releases the underlying storage.
	Close() error
}

// Table maps resource keys to stored resources for one version.
type Table interface {
	// Version returns the name of the table.
	Version() string
	// Get returns the stored resource for the given key, if it exists.
	// The boolean is false for keys that are not stored.
	Get(ctx context.Context, key string) (Resource, bool, error)
	// Put stores the resource under the given key, replacing any previous value.
	Put(ctx context.Context, key string, res Resource) error
	// Keys returns all keys of the table, sorted.
	Keys(ctx context.Context) ([]string, error)
}

// Settings is a small key/value area kept in the same storage as the tables.
type Settings interface {
	// Setting returns the value stored under name.
	Setting(ctx context.Context, name string) (string, bool, error)
	// SetSetting stores value under name.
	SetSetting(ctx context.Context, name, value string) error
}

// Resource is a snapshot of a successful retrieval.
// Stores never hand out or keep references to a caller's header or body.
type Resource struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	c := r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}
