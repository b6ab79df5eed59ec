package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/store"
)

// CatalogNamespace holds the declared-partition records of every dataset kind.
const CatalogNamespace = "agri_catalog"

var catalogSchema = store.Schema{
	Collection: "partitions",
	Fields: []store.Field{
		{Name: "kind", Type: store.String},
		{Name: "key", Type: store.String},
		{Name: "description", Type: store.String},
		{Name: "createdAt", Type: store.Time},
	},
	Unique: []string{"kind", "key"},
}

// Info describes one declared partition.
type Info struct {
	Kind        dataset.Kind `json:"kind"`
	Key         string       `json:"key"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Catalog records which partitions have been declared.
type Catalog struct {
	reg    *Registry
	coll   store.Collection
	logger *slog.Logger
	now    func() time.Time
}

// OpenCatalog opens the catalog namespace on backend. Declared partitions get
// their storage ensured through reg.
func OpenCatalog(ctx context.Context, backend store.Backend, reg *Registry, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	coll, err := backend.Open(ctx, CatalogNamespace, catalogSchema)
	if err != nil {
		return nil, storageError(CatalogNamespace, err)
	}
	return &Catalog{reg: reg, coll: coll, logger: logger.With("component", "catalog"), now: time.Now}, nil
}

func byKey(ds dataset.Dataset, key string) store.Filter {
	return store.Where("kind", string(ds.Kind())).And("key", key)
}

// Declare registers a new partition and creates its storage.
func (c *Catalog) Declare(ctx context.Context, ds dataset.Dataset, key, description string) (Info, error) {
	if err := ValidateKey(ds, key); err != nil {
		return Info{}, err
	}
	exists, err := c.Exists(ctx, ds, key)
	if err != nil {
		return Info{}, err
	}
	if exists {
		return Info{}, fmt.Errorf("%w: %s %s", ErrDuplicatePartition, ds.Kind(), key)
	}
	if err := c.reg.EnsureStorage(ctx, ds, key); err != nil {
		return Info{}, err
	}

	info := Info{Kind: ds.Kind(), Key: key, Description: description, CreatedAt: c.now()}
	_, err = c.coll.InsertMany(ctx, []store.Document{{
		"kind":        string(info.Kind),
		"key":         info.Key,
		"description": info.Description,
		"createdAt":   info.CreatedAt,
	}})
	if errors.Is(err, store.ErrConflict) {
		return Info{}, fmt.Errorf("%w: %s %s", ErrDuplicatePartition, ds.Kind(), key)
	}
	if err != nil {
		return Info{}, storageError(CatalogNamespace, err)
	}
	c.logger.Info("partition declared", "kind", ds.Kind(), "key", key, "namespace", Namespace(ds, key))
	return info, nil
}

// Exists reports whether the partition has been declared.
func (c *Catalog) Exists(ctx context.Context, ds dataset.Dataset, key string) (bool, error) {
	ok, err := c.coll.Exists(ctx, byKey(ds, key))
	if err != nil {
		return false, storageError(CatalogNamespace, err)
	}
	return ok, nil
}

// Require returns ErrPartitionNotFound unless the partition has been declared.
func (c *Catalog) Require(ctx context.Context, ds dataset.Dataset, key string) error {
	if err := ValidateKey(ds, key); err != nil {
		return err
	}
	ok, err := c.Exists(ctx, ds, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrPartitionNotFound, ds.Kind(), key)
	}
	return nil
}

// List returns the declared partitions of a dataset, newest key first.
func (c *Catalog) List(ctx context.Context, ds dataset.Dataset) ([]Info, error) {
	docs, err := c.coll.Find(ctx, store.Where("kind", string(ds.Kind())), store.FindOptions{
		Sort: []store.SortField{{Field: "key", Desc: true}},
	})
	if err != nil {
		return nil, storageError(CatalogNamespace, err)
	}
	out := make([]Info, 0, len(docs))
	for _, d := range docs {
		out = append(out, Info{
			Kind:        dataset.Kind(d.String("kind")),
			Key:         d.String("key"),
			Description: d.String("description"),
			CreatedAt:   d.Time("createdAt"),
		})
	}
	return out, nil
}

// Close releases the catalog accessor.
func (c *Catalog) Close() error {
	return c.coll.Close()
}
