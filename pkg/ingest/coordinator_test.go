package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/partition"
	"github.com/hazyhaar/agri-registry/pkg/store"
	"github.com/hazyhaar/agri-registry/pkg/tabular"
)

const marketHeader = "State Name,District Name,Market Name,Variety,Group,Arrivals,Min Price,Max Price,Modal Price,Reported Date\n"

type fixture struct {
	reg     *partition.Registry
	catalog *partition.Catalog
	coord   *Coordinator
	market  dataset.Dataset
	apy     dataset.Dataset
}

func setup(t *testing.T) *fixture {
	t.Helper()
	b, err := store.NewSQLite(t.TempDir())
	require.NoError(t, err)
	reg := partition.NewRegistry(b, nil)
	ctx := context.Background()
	cat, err := partition.OpenCatalog(ctx, b, reg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		reg.CloseAll(context.Background())
		cat.Close()
	})

	market, err := dataset.Get(dataset.Market)
	require.NoError(t, err)
	apy, err := dataset.Get(dataset.Production)
	require.NoError(t, err)
	return &fixture{
		reg:     reg,
		catalog: cat,
		coord:   NewCoordinator(cat, reg, tabular.Options{}, nil),
		market:  market,
		apy:     apy,
	}
}

func (f *fixture) declare(t *testing.T, ds dataset.Dataset, key string) {
	t.Helper()
	_, err := f.catalog.Declare(context.Background(), ds, key, "")
	require.NoError(t, err)
}

func (f *fixture) rows(t *testing.T, ds dataset.Dataset, key string) []store.Document {
	t.Helper()
	c, err := f.reg.Accessor(context.Background(), ds, key)
	require.NoError(t, err)
	docs, err := c.Find(context.Background(), nil, store.FindOptions{Sort: ds.Sort()})
	require.NoError(t, err)
	return docs
}

func stage(t *testing.T, name, content string) Upload {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload-"+name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return Upload{Path: path, Name: name, Staged: true}
}

func TestImport_EndToEnd(t *testing.T) {
	f := setup(t)
	f.declare(t, f.market, "2025")
	up := stage(t, "prices.csv", marketHeader+
		"MH,Pune,Pune APMC,Red,Vegetables,12,1000,1400,1200,05-02-2025\n"+
		"MH,,Nashik,Red,Vegetables,3,900,1100,1000,05-02-2025\n"+
		"UP,Agra,Agra,Local,Vegetables,NR,800,950,900,15-01-25\n")

	res, err := f.coord.ImportFile(context.Background(), f.market, "2025", up)
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 2, SkippedDuplicates: 0, Rejected: 1}, res)

	_, err = os.Stat(up.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "staged file removed")

	docs := f.rows(t, f.market, "2025")
	require.Len(t, docs, 2)
	first := dataset.MarketRowOf(docs[0])
	second := dataset.MarketRowOf(docs[1])
	assert.Equal(t, "Agra", first.MarketName, "sorted by reported date")
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local), first.ReportedDate)
	assert.Equal(t, "NR", first.Arrivals)
	assert.Equal(t, "Pune APMC", second.MarketName)
	assert.Equal(t, 1200.0, second.ModalPrice)
	assert.Equal(t, "prices.csv", second.ImportedFrom)
}

func TestImport_Dedup(t *testing.T) {
	f := setup(t)
	f.declare(t, f.market, "2024")
	ctx := context.Background()
	row := "MH,Pune,Pune,Onion,Vegetables,10,1,2,3,01-01-2024\n"

	res, err := f.coord.ImportFile(ctx, f.market, "2024", stage(t, "a.csv", marketHeader+row))
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	res, err = f.coord.ImportFile(ctx, f.market, "2024", stage(t, "b.csv", marketHeader+row))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.SkippedDuplicates)

	other := "MH,Pune,Pune,Garlic,Vegetables,10,1,2,3,01-01-2024\n"
	res, err = f.coord.ImportFile(ctx, f.market, "2024", stage(t, "c.csv", marketHeader+other))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, res.SkippedDuplicates)

	assert.Len(t, f.rows(t, f.market, "2024"), 2)
}

func TestImport_DuplicatesWithinFile(t *testing.T) {
	f := setup(t)
	f.declare(t, f.market, "2024")
	row := "MH,Pune,Pune,Onion,Vegetables,10,1,2,3,01-01-2024\n"

	res, err := f.coord.ImportFile(context.Background(), f.market, "2024", stage(t, "a.csv", marketHeader+row+row+row))
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 1, SkippedDuplicates: 2}, res)
}

func TestImport_ConcurrentSamePartition(t *testing.T) {
	f := setup(t)
	f.declare(t, f.market, "2024")
	row := "MH,Pune,Pune,Onion,Vegetables,10,1,2,3,01-01-2024\n"

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		skipped  int
	)
	for i := 0; i < 4; i++ {
		up := stage(t, "a.csv", marketHeader+row)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.ImportFile(context.Background(), f.market, "2024", up)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inserted += res.Inserted
			skipped += res.SkippedDuplicates
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 3, skipped)
}

func TestImport_UndeclaredPartition(t *testing.T) {
	f := setup(t)
	up := stage(t, "prices.csv", marketHeader)

	_, err := f.coord.ImportFile(context.Background(), f.market, "2030", up)
	assert.ErrorIs(t, err, partition.ErrPartitionNotFound)
	_, statErr := os.Stat(up.Path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "staged file removed on error")

	_, err = f.coord.ImportFile(context.Background(), f.market, "20-30", stage(t, "p.csv", marketHeader))
	var ike *partition.InvalidKeyFormatError
	assert.True(t, errors.As(err, &ike))
}

func TestImport_UnstagedFileKept(t *testing.T) {
	f := setup(t)
	f.declare(t, f.market, "2024")
	up := stage(t, "prices.csv", marketHeader)
	up.Staged = false

	res, err := f.coord.ImportFile(context.Background(), f.market, "2024", up)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "empty upload is a zero-count success")
	_, err = os.Stat(up.Path)
	assert.NoError(t, err)
}

func TestImport_UnsupportedFormat(t *testing.T) {
	f := setup(t)
	f.declare(t, f.market, "2024")
	_, err := f.coord.ImportFile(context.Background(), f.market, "2024", stage(t, "prices.pdf", "%PDF-1.4"))
	var ue *tabular.UnsupportedFormatError
	assert.True(t, errors.As(err, &ue), "got %v", err)
}

func TestImport_ProductionReplace(t *testing.T) {
	f := setup(t)
	f.declare(t, f.apy, "2024-2025")
	ctx := context.Background()

	res, err := f.coord.ImportFile(ctx, f.apy, "2024-2025", stage(t, "apy.csv",
		"Area Production Yield 2024-25\n\nState,Area,Production,Productivity\nPunjab,\"3,142\",\"14,356\",4569\nBihar,\"3,016\",,2206\nAll India,9,9,9\n"))
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 2}, res)

	docs := f.rows(t, f.apy, "2024-2025")
	require.Len(t, docs, 2)
	bihar := dataset.ProductionRowOf(docs[0])
	assert.Equal(t, "Bihar", bihar.StateName)
	assert.Nil(t, bihar.Production)
	require.NotNil(t, bihar.Area)
	assert.Equal(t, 3016.0, *bihar.Area)

	res, err = f.coord.ImportFile(ctx, f.apy, "2024-2025", stage(t, "apy2.csv", "State,Area,Production,Productivity\nKerala,1,2,3\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	docs = f.rows(t, f.apy, "2024-2025")
	require.Len(t, docs, 1)
	assert.Equal(t, "Kerala", docs[0].String(dataset.FieldStateName))

	res, err = f.coord.ImportFile(ctx, f.apy, "2024-2025", stage(t, "apy3.csv", "State,Area,Production,Productivity\nTotal,1,2,3\n"))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Len(t, f.rows(t, f.apy, "2024-2025"), 1, "empty upload does not wipe the partition")
}

func TestImport_MissingColumnsLeavesPartition(t *testing.T) {
	f := setup(t)
	f.declare(t, f.apy, "2024-2025")
	ctx := context.Background()

	_, err := f.coord.ImportFile(ctx, f.apy, "2024-2025", stage(t, "apy.csv", "State,Area,Production,Productivity\nKerala,1,2,3\n"))
	require.NoError(t, err)

	_, err = f.coord.ImportFile(ctx, f.apy, "2024-2025", stage(t, "bad.csv", "State,Area,Yield\nPunjab,1,2\n"))
	var mce *tabular.MissingColumnsError
	require.True(t, errors.As(err, &mce), "got %v", err)
	assert.Equal(t, []string{"Production", "Productivity"}, mce.Columns)
	assert.Len(t, f.rows(t, f.apy, "2024-2025"), 1)
}

func TestImport_LogsRejectedLines(t *testing.T) {
	f := setup(t)
	f.declare(t, f.market, "2025")
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	coord := NewCoordinator(f.catalog, f.reg, tabular.Options{}, logger)

	up := stage(t, "prices.csv", marketHeader+
		"MH,Pune,Pune APMC,Red,Vegetables,12,1000,1400,1200,05-02-2025\n"+
		"MH,,Nashik,Red,Vegetables,3,900,1100,1000,05-02-2025\n")
	res, err := coord.ImportFile(context.Background(), f.market, "2025", up)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Contains(t, buf.String(), "msg=\"row rejected\"")
	assert.Contains(t, buf.String(), "line=3")
}
