// Package partition maps partition keys to physical storage namespaces and
// caches one accessor per partition for the life of the process.
//
// Each (dataset kind, key) pair moves through three states:
//
//	Uninitialized -> StorageVerified -> AccessorCached
//
// EnsureStorage performs the first transition, Accessor the second (and the
// first when needed). AccessorCached lasts until CloseAll, which runs once at
// shutdown and leaves the registry closed.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/metrics"
	"github.com/hazyhaar/agri-registry/pkg/store"
)

// State is the lifecycle stage of one partition in this process.
type State int

const (
	Uninitialized State = iota
	StorageVerified
	AccessorCached
)

func (s State) String() string {
	switch s {
	case StorageVerified:
		return "STORAGE_VERIFIED"
	case AccessorCached:
		return "ACCESSOR_CACHED"
	}
	return "UNINITIALIZED"
}

// ValidateKey checks key against the dataset's key pattern.
func ValidateKey(ds dataset.Dataset, key string) error {
	if !ds.KeyPattern().MatchString(key) {
		return &InvalidKeyFormatError{Kind: string(ds.Kind()), Key: key, Pattern: ds.KeyPattern().String()}
	}
	return nil
}

// Namespace derives the storage namespace of a partition: the dataset prefix
// followed by the key with every non-alphanumeric rune replaced by '_'.
func Namespace(ds dataset.Dataset, key string) string {
	return ds.Prefix() + sanitize(key)
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
}

// Registry is the process-wide partition accessor cache.
type Registry struct {
	backend store.Backend
	logger  *slog.Logger

	mu       sync.Mutex
	closed   bool
	verified map[string]bool
	open     map[string]store.Collection
	flight   singleflight.Group
}

// NewRegistry creates an empty registry over backend.
func NewRegistry(backend store.Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend:  backend,
		logger:   logger.With("component", "partition"),
		verified: make(map[string]bool),
		open:     make(map[string]store.Collection),
	}
}

// EnsureStorage creates the partition's namespace and collection if absent.
// It is idempotent, and concurrent first calls for the same key all succeed.
func (r *Registry) EnsureStorage(ctx context.Context, ds dataset.Dataset, key string) error {
	if err := ValidateKey(ds, key); err != nil {
		return err
	}
	ns := Namespace(ds, key)

	r.mu.Lock()
	done, closed := r.verified[ns], r.closed
	r.mu.Unlock()
	if closed {
		return ErrRegistryClosed
	}
	if done {
		return nil
	}

	_, err, _ := r.flight.Do("ensure:"+ns, func() (any, error) {
		if err := r.backend.Ensure(ctx, ns, ds.Schema()); err != nil {
			return nil, storageError(ns, err)
		}
		r.mu.Lock()
		r.verified[ns] = true
		r.mu.Unlock()
		r.logger.Debug("partition storage verified", "namespace", ns, "backend", r.backend.Name())
		return nil, nil
	})
	return err
}

// Accessor returns the cached collection of the partition, opening it on
// first use. At most one accessor per partition is ever live.
func (r *Registry) Accessor(ctx context.Context, ds dataset.Dataset, key string) (store.Collection, error) {
	if err := ValidateKey(ds, key); err != nil {
		return nil, err
	}
	ns := Namespace(ds, key)

	if c, err := r.cached(ns); c != nil || err != nil {
		return c, err
	}

	v, err, _ := r.flight.Do("open:"+ns, func() (any, error) {
		if c, err := r.cached(ns); c != nil || err != nil {
			return c, err
		}
		c, err := r.backend.Open(ctx, ns, ds.Schema())
		if err != nil {
			return nil, storageError(ns, err)
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			c.Close()
			return nil, ErrRegistryClosed
		}
		r.open[ns] = c
		r.verified[ns] = true
		n := len(r.open)
		r.mu.Unlock()
		metrics.SetPartitionsOpen(n)
		r.logger.Info("partition accessor opened", "namespace", ns)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(store.Collection), nil
}

// cached returns the live accessor of ns, nil when none is open yet, or
// ErrRegistryClosed after shutdown.
func (r *Registry) cached(ns string) (store.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	return r.open[ns], nil
}

// State reports the lifecycle stage of a partition. Invalid keys are Uninitialized.
func (r *Registry) State(ds dataset.Dataset, key string) State {
	ns := Namespace(ds, key)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.open[ns] != nil:
		return AccessorCached
	case r.verified[ns]:
		return StorageVerified
	}
	return Uninitialized
}

// OpenCount returns the number of cached accessors.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// CloseAll releases every cached accessor and closes the registry: later
// EnsureStorage and Accessor calls fail with ErrRegistryClosed. Call it once
// at shutdown, after in-flight requests have drained. Repeated calls are
// no-ops. When ctx ends first, the remaining accessors are abandoned and
// ctx's error is returned alongside any close failures.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]store.Collection)
	r.closed = true
	r.mu.Unlock()
	metrics.SetPartitionsOpen(0)

	names := make([]string, 0, len(open))
	for ns := range open {
		names = append(names, ns)
	}
	sort.Strings(names)

	var errs []error
	for i, ns := range names {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("partition shutdown interrupted", "closed", i, "abandoned", len(names)-i)
			errs = append(errs, err)
			break
		}
		if err := open[ns].Close(); err != nil {
			r.logger.Error("close partition", "namespace", ns, "error", err)
			errs = append(errs, fmt.Errorf("close partition %s: %w", ns, err))
		}
	}
	if len(names) > 0 {
		r.logger.Info("partitions closed", "count", len(names))
	}
	return errors.Join(errs...)
}

func storageError(ns string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return &StorageConnectionError{Namespace: ns, Err: err}
	}
	return fmt.Errorf("partition %s: %w", ns, err)
}
