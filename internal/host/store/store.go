// Package store persists host records in a bbolt database. Each store owns one
// bucket and encodes values as JSON.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store is a keyed collection of T.
type Store[T any] interface {
	// Get returns the value under key or an error wrapping errdefs.ErrNotFound.
	Get(ctx context.Context, key string) (*T, error)
	// Create stores v under key. It fails with errdefs.ErrAlreadyExists when
	// key is taken.
	Create(ctx context.Context, key string, v *T) error
	// Put stores v under key, replacing any previous value.
	Put(ctx context.Context, key string, v *T) error
	// Delete removes key. Deleting a missing key returns errdefs.ErrNotFound.
	Delete(ctx context.Context, key string) error
	// List returns every key in byte order.
	List(ctx context.Context) ([]string, error)
	Close() error
}

type boltStore[T any] struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltStore opens (creating if needed) the database at dbPath and the
// given bucket in it.
func NewBoltStore[T any](dbPath, bucket string) (Store[T], error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty: %w", errdefs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return &boltStore[T]{db: db, bucket: []byte(bucket)}, nil
}

func (s *boltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var v T
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(s.bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %q: %w", s.bucket, key, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *boltStore[T]) Create(ctx context.Context, key string, v *T) error {
	return s.write(ctx, key, v, false)
}

func (s *boltStore[T]) Put(ctx context.Context, key string, v *T) error {
	return s.write(ctx, key, v, true)
}

func (s *boltStore[T]) write(ctx context.Context, key string, v *T, replace bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("key cannot be empty: %w", errdefs.ErrInvalidArgument)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %q: %w", s.bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if !replace && b.Get([]byte(key)) != nil {
			return fmt.Errorf("%s %q: %w", s.bucket, key, errdefs.ErrAlreadyExists)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *boltStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s %q: %w", s.bucket, key, errdefs.ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
}

func (s *boltStore[T]) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *boltStore[T]) Close() error {
	return s.db.Close()
}
