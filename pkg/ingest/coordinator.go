// Package ingest turns an uploaded file into stored partition rows:
// parse, normalize, deduplicate, then write in one batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/metrics"
	"github.com/hazyhaar/agri-registry/pkg/partition"
	"github.com/hazyhaar/agri-registry/pkg/store"
	"github.com/hazyhaar/agri-registry/pkg/tabular"
)

// Upload is a file to import.
type Upload struct {
	Path string
	// Name is the client-side file name; it decides the format and is
	// recorded as provenance. Defaults to the base name of Path.
	Name string
	// Staged files are removed once the import ends, whatever the outcome.
	Staged bool
}

// Result counts what happened to the rows of one upload.
type Result struct {
	Inserted          int `json:"insertedCount"`
	SkippedDuplicates int `json:"skippedDuplicateCount"`
	// Rejected rows lacked identity fields and were dropped.
	Rejected int `json:"rejectedCount"`
}

// Coordinator runs imports. Imports into the same partition are serialized;
// imports into different partitions run concurrently.
type Coordinator struct {
	catalog  *partition.Catalog
	registry *partition.Registry
	opts     tabular.Options
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewCoordinator creates a coordinator writing through registry into
// partitions declared in catalog.
func NewCoordinator(catalog *partition.Catalog, registry *partition.Registry, opts tabular.Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		catalog:  catalog,
		registry: registry,
		opts:     opts,
		logger:   logger.With("component", "ingest"),
		now:      time.Now,
		locks:    make(map[string]chan struct{}),
	}
}

// ImportFile imports up into the (ds, key) partition. Any parse or header
// error aborts before the partition is touched. Under Merge, rows already
// stored (or repeated earlier in the file) are skipped; under Replace, a
// non-empty upload replaces the partition's rows.
func (c *Coordinator) ImportFile(ctx context.Context, ds dataset.Dataset, key string, up Upload) (res Result, err error) {
	started := time.Now()
	if up.Name == "" {
		up.Name = filepath.Base(up.Path)
	}
	log := c.logger.With("kind", ds.Kind(), "key", key, "file", up.Name)
	defer func() {
		if up.Staged {
			if rmErr := os.Remove(up.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("remove staged upload", "path", up.Path, "error", rmErr)
			}
		}
		metrics.ObserveImport(string(ds.Kind()), started, res.Inserted, res.SkippedDuplicates, res.Rejected, err)
	}()

	if err := c.catalog.Require(ctx, ds, key); err != nil {
		return Result{}, err
	}

	ns := partition.Namespace(ds, key)
	unlock, err := c.lock(ctx, ns)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	format, err := tabular.FormatOf(up.Path, up.Name)
	if err != nil {
		return Result{}, err
	}
	r, err := tabular.Open(up.Path, format, ds.Layout(format), c.opts)
	if err != nil {
		return Result{}, err
	}
	docs, rejected, err := normalize(r, ds, dataset.Provenance{ImportedFrom: up.Name, At: c.now()}, log)
	if err != nil {
		return Result{}, err
	}
	res.Rejected = rejected

	coll, err := c.registry.Accessor(ctx, ds, key)
	if err != nil {
		return res, err
	}

	switch ds.Policy() {
	case dataset.Replace:
		err = c.replace(ctx, coll, ns, docs, &res)
	default:
		err = c.merge(ctx, coll, ns, ds.NaturalKey(), docs, &res)
	}
	if err != nil {
		return Result{Rejected: res.Rejected}, err
	}

	log.Info("import complete",
		"format", format,
		"policy", ds.Policy(),
		"inserted", res.Inserted,
		"duplicates", res.SkippedDuplicates,
		"rejected", res.Rejected,
		"duration", time.Since(started))
	return res, nil
}

// lock acquires the per-namespace import slot.
func (c *Coordinator) lock(ctx context.Context, ns string) (func(), error) {
	c.mu.Lock()
	slot, ok := c.locks[ns]
	if !ok {
		slot = make(chan struct{}, 1)
		c.locks[ns] = slot
	}
	c.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// normalize drains r, returning the accepted documents and the rejected count.
// Each rejected row is logged at debug level with its file line.
func normalize(r tabular.Reader, ds dataset.Dataset, p dataset.Provenance, log *slog.Logger) ([]store.Document, int, error) {
	defer r.Close()
	var (
		docs     []store.Document
		rejected int
	)
	for {
		raw, err := r.Next()
		if err == io.EOF {
			return docs, rejected, nil
		}
		if err != nil {
			return nil, 0, err
		}
		doc, ok := ds.Normalize(raw, p)
		if !ok {
			rejected++
			log.Debug("row rejected", "line", r.Line())
			continue
		}
		docs = append(docs, doc)
	}
}

// merge inserts the documents whose natural key is neither stored nor seen
// earlier in the same upload.
// TODO: fetch the stored keys of the upload's date range in one query instead
// of one existence check per row.
func (c *Coordinator) merge(ctx context.Context, coll store.Collection, ns string, key []string, docs []store.Document, res *Result) error {
	seen := make(map[string]bool, len(docs))
	fresh := make([]store.Document, 0, len(docs))
	for _, d := range docs {
		k := naturalKey(d, key)
		if seen[k] {
			res.SkippedDuplicates++
			continue
		}
		seen[k] = true

		var f store.Filter
		for _, field := range key {
			f = f.And(field, d[field])
		}
		exists, err := coll.Exists(ctx, f)
		if err != nil {
			return writeError(ns, "dedup check", err)
		}
		if exists {
			res.SkippedDuplicates++
			continue
		}
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return nil
	}
	n, err := coll.InsertMany(ctx, fresh)
	if err != nil {
		return writeError(ns, "insert", err)
	}
	res.Inserted = n
	return nil
}

// replace swaps the partition's rows for docs. An upload with no surviving
// rows leaves the partition untouched.
func (c *Coordinator) replace(ctx context.Context, coll store.Collection, ns string, docs []store.Document, res *Result) error {
	if len(docs) == 0 {
		c.logger.Warn("empty upload, partition left unchanged", "namespace", ns)
		return nil
	}
	n, err := coll.Replace(ctx, docs)
	if err != nil {
		return writeError(ns, "replace", err)
	}
	res.Inserted = n
	return nil
}

func naturalKey(d store.Document, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		switch v := d[f].(type) {
		case time.Time:
			parts[i] = strconv.FormatInt(v.Unix(), 10)
		case string:
			parts[i] = v
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, "\x1f")
}

func writeError(ns, op string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return &partition.StorageConnectionError{Namespace: ns, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, ns, err)
}
