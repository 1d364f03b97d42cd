package cache

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketVersions = "versions"
	bucketSettings = "settings"

	// bodies smaller than this are stored uncompressed
	compressThreshold = 4 * 1024
)

// boltRecord is the msgpack form of a stored resource.
type boltRecord struct {
	StatusCode int                 `msgpack:"status"`
	Header     map[string][]string `msgpack:"header"`
	Body       []byte              `msgpack:"body"`
	Compressed bool                `msgpack:"compressed"`
	Digest     []byte              `msgpack:"digest"`
	StoredAt   int64               `msgpack:"stored_at"`
}

// BoltStore keeps one nested bucket per version in a BoltDB file.
type BoltStore struct {
	db      *bolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.Mutex
	tables  map[string]*boltTable
}

// NewBoltStore opens or creates the BoltDB file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketVersions, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &BoltStore{
		db:      db,
		encoder: encoder,
		decoder: decoder,
		tables:  make(map[string]*boltTable),
	}, nil
}

func (s *BoltStore) Open(ctx context.Context, version string) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.Bucket([]byte(bucketVersions)).CreateBucketIfNotExists([]byte(version))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket for %s: %w", version, err)
	}
	if t, ok := s.tables[version]; ok {
		return t, nil
	}
	t := &boltTable{store: s, version: version}
	s.tables[version] = t
	return t, nil
}

func (s *BoltStore) Versions(ctx context.Context) ([]string, error) {
	versions := make([]string, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketVersions)).ForEachBucket(func(name []byte) error {
			versions = append(versions, string(name))
			return nil
		})
	})
	sort.Strings(versions)
	return versions, err
}

func (s *BoltStore) Delete(ctx context.Context, version string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketVersions))
		if root.Bucket([]byte(version)) == nil {
			return nil
		}
		existed = true
		return root.DeleteBucket([]byte(version))
	})
	if err != nil {
		return false, err
	}
	delete(s.tables, version)
	return existed, nil
}

func (s *BoltStore) Close() error {
	_ = s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

func (s *BoltStore) Setting(ctx context.Context, name string) (string, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucketSettings)).Get([]byte(name)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || value == nil {
		return "", false, err
	}
	return string(value), true, nil
}

func (s *BoltStore) SetSetting(ctx context.Context, name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSettings)).Put([]byte(name), []byte(value))
	})
}

func (s *BoltStore) encode(res Resource) ([]byte, error) {
	digest := blake3.Sum256(res.Body)
	rec := boltRecord{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       res.Body,
		Digest:     digest[:],
		StoredAt:   res.StoredAt.UnixNano(),
	}
	if len(res.Body) >= compressThreshold {
		rec.Body = s.encoder.EncodeAll(res.Body, nil)
		rec.Compressed = true
	}
	return msgpack.Marshal(&rec)
}

func (s *BoltStore) decode(data []byte) (Resource, error) {
	var rec boltRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Resource{}, err
	}
	body := rec.Body
	if rec.Compressed {
		var err error
		if body, err = s.decoder.DecodeAll(rec.Body, nil); err != nil {
			return Resource{}, err
		}
	}
	digest := blake3.Sum256(body)
	if !bytes.Equal(digest[:], rec.Digest) {
		return Resource{}, fmt.Errorf("digest mismatch")
	}
	return Resource{
		StatusCode: rec.StatusCode,
		Header:     http.Header(rec.Header),
		Body:       body,
		StoredAt:   time.Unix(0, rec.StoredAt),
	}, nil
}

type boltTable struct {
	store   *BoltStore
	version string
}

func (t *boltTable) Version() string {
	return t.version
}

func (t *boltTable) Get(ctx context.Context, key string) (Resource, bool, error) {
	var data []byte
	err := t.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketVersions)).Bucket([]byte(t.version))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			// values are only valid for the life of the transaction
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return Resource{}, false, err
	}
	res, err := t.store.decode(data)
	if err != nil {
		log.Warn().Err(err).Str("version", t.version).Str("key", key).Msg("Corrupt cache entry")
		return Resource{}, false, nil
	}
	return res, true, nil
}

func (t *boltTable) Put(ctx context.Context, key string, res Resource) error {
	data, err := t.store.encode(res)
	if err != nil {
		return err
	}
	return t.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketVersions)).Bucket([]byte(t.version))
		if b == nil {
			return ErrTableDeleted
		}
		return b.Put([]byte(key), data)
	})
}

func (t *boltTable) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := t.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketVersions)).Bucket([]byte(t.version))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
