package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/store"
)

func newBackend(t *testing.T) *store.SQLite {
	t.Helper()
	b, err := store.NewSQLite(t.TempDir())
	require.NoError(t, err)
	return b
}

func mustGet(t *testing.T, kind dataset.Kind) dataset.Dataset {
	t.Helper()
	ds, err := dataset.Get(kind)
	require.NoError(t, err)
	return ds
}

func TestNamespace(t *testing.T) {
	market := mustGet(t, dataset.Market)
	apy := mustGet(t, dataset.Production)

	assert.Equal(t, "market_2025", Namespace(market, "2025"))
	assert.Equal(t, "apy_2024_2025", Namespace(apy, "2024-2025"))
	assert.NotEqual(t, Namespace(market, "2024"), Namespace(market, "2025"))
}

func TestNamespacesDisjoint(t *testing.T) {
	names := []string{CatalogNamespace}
	for _, p := range dataset.Prefixes() {
		names = append(names, p)
	}
	for i, a := range names {
		for j, b := range names {
			if i != j && strings.HasPrefix(b, a) {
				t.Errorf("%q shadows %q", a, b)
			}
		}
	}
}

func TestValidateKey(t *testing.T) {
	market := mustGet(t, dataset.Market)
	require.NoError(t, ValidateKey(market, "2025"))

	err := ValidateKey(market, "2024-2025")
	var ike *InvalidKeyFormatError
	require.True(t, errors.As(err, &ike))
	assert.Equal(t, "2024-2025", ike.Key)
	assert.Contains(t, err.Error(), `^\d{4}$`)
}

func TestEnsureStorage_Idempotent(t *testing.T) {
	b := newBackend(t)
	reg := NewRegistry(b, nil)
	market := mustGet(t, dataset.Market)
	ctx := context.Background()

	assert.Equal(t, Uninitialized, reg.State(market, "2025"))
	require.NoError(t, reg.EnsureStorage(ctx, market, "2025"))
	require.NoError(t, reg.EnsureStorage(ctx, market, "2025"))
	assert.Equal(t, StorageVerified, reg.State(market, "2025"))

	_, err := os.Stat(b.Path("market_2025"))
	assert.NoError(t, err, "namespace file created")

	err = reg.EnsureStorage(ctx, market, "twenty")
	var ike *InvalidKeyFormatError
	assert.True(t, errors.As(err, &ike))
	assert.Equal(t, Uninitialized, reg.State(market, "twenty"))
}

func TestAccessor_SingleLiveHandle(t *testing.T) {
	reg := NewRegistry(newBackend(t), nil)
	market := mustGet(t, dataset.Market)
	ctx := context.Background()

	const n = 16
	got := make([]store.Collection, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.Accessor(ctx, market, "2025")
			if err != nil {
				t.Error(err)
				return
			}
			got[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, reg.OpenCount())
	assert.Equal(t, AccessorCached, reg.State(market, "2025"))
}

func TestCloseAll(t *testing.T) {
	reg := NewRegistry(newBackend(t), nil)
	market := mustGet(t, dataset.Market)
	apy := mustGet(t, dataset.Production)
	ctx := context.Background()

	_, err := reg.Accessor(ctx, market, "2024")
	require.NoError(t, err)
	_, err = reg.Accessor(ctx, apy, "2024-2025")
	require.NoError(t, err)
	require.Equal(t, 2, reg.OpenCount())

	require.NoError(t, reg.CloseAll(ctx))
	assert.Equal(t, 0, reg.OpenCount())
	require.NoError(t, reg.CloseAll(ctx), "second call is a no-op")
}

func TestCloseAll_NoReopen(t *testing.T) {
	reg := NewRegistry(newBackend(t), nil)
	market := mustGet(t, dataset.Market)
	ctx := context.Background()

	held, err := reg.Accessor(ctx, market, "2025")
	require.NoError(t, err)
	again, err := reg.Accessor(ctx, market, "2025")
	require.NoError(t, err)
	assert.Same(t, held, again)
	assert.Equal(t, AccessorCached, reg.State(market, "2025"))

	require.NoError(t, reg.CloseAll(ctx))

	c, err := reg.Accessor(ctx, market, "2025")
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Nil(t, c, "no second handle after shutdown")
	assert.ErrorIs(t, reg.EnsureStorage(ctx, market, "2026"), ErrRegistryClosed)
	assert.Equal(t, 0, reg.OpenCount())
}

func TestCloseAll_ContextDone(t *testing.T) {
	reg := NewRegistry(newBackend(t), nil)
	market := mustGet(t, dataset.Market)
	_, err := reg.Accessor(context.Background(), market, "2024")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = reg.CloseAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, reg.OpenCount())
}

type downBackend struct{}

func (downBackend) Name() string { return "down" }
func (downBackend) Ensure(context.Context, string, store.Schema) error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downBackend) Open(context.Context, string, store.Schema) (store.Collection, error) {
	return nil, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}
func (downBackend) Close(context.Context) error { return nil }

func TestStorageConnectionError(t *testing.T) {
	reg := NewRegistry(downBackend{}, nil)
	market := mustGet(t, dataset.Market)

	err := reg.EnsureStorage(context.Background(), market, "2025")
	var sce *StorageConnectionError
	require.True(t, errors.As(err, &sce), "got %v", err)
	assert.Equal(t, "market_2025", sce.Namespace)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, Uninitialized, reg.State(market, "2025"))

	_, err = reg.Accessor(context.Background(), market, "2025")
	assert.True(t, errors.As(err, &sce))
	assert.Equal(t, 0, reg.OpenCount())
}

func TestCatalog(t *testing.T) {
	b := newBackend(t)
	reg := NewRegistry(b, nil)
	ctx := context.Background()
	cat, err := OpenCatalog(ctx, b, reg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	cat.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local) }

	market := mustGet(t, dataset.Market)
	apy := mustGet(t, dataset.Production)

	info, err := cat.Declare(ctx, market, "2024", "prices 2024")
	require.NoError(t, err)
	assert.Equal(t, "2024", info.Key)
	assert.Equal(t, StorageVerified, reg.State(market, "2024"), "declare ensures storage")

	_, err = cat.Declare(ctx, market, "2025", "")
	require.NoError(t, err)
	_, err = cat.Declare(ctx, apy, "2024-2025", "")
	require.NoError(t, err)

	_, err = cat.Declare(ctx, market, "2024", "again")
	assert.ErrorIs(t, err, ErrDuplicatePartition)

	_, err = cat.Declare(ctx, market, "24", "")
	var ike *InvalidKeyFormatError
	assert.True(t, errors.As(err, &ike))

	list, err := cat.List(ctx, market)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2025", list[0].Key, "newest first")
	assert.Equal(t, "2024", list[1].Key)
	assert.Equal(t, "prices 2024", list[1].Description)
	assert.True(t, list[1].CreatedAt.Equal(cat.now()))

	require.NoError(t, cat.Require(ctx, apy, "2024-2025"))
	assert.ErrorIs(t, cat.Require(ctx, apy, "2023-2024"), ErrPartitionNotFound)
}
