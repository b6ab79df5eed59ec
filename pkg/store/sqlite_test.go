package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = Schema{
	Collection: "records",
	Fields: []Field{
		{Name: "stateName", Type: String},
		{Name: "marketName", Type: String},
		{Name: "price", Type: Float},
		{Name: "area", Type: NullFloat},
		{Name: "day", Type: Time},
	},
	Unique:  []string{"marketName", "day"},
	Indexes: [][]string{{"stateName"}},
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

func openTestCollection(t *testing.T) (*SQLite, Collection) {
	t.Helper()
	b, err := NewSQLite(t.TempDir())
	require.NoError(t, err)
	c, err := b.Open(context.Background(), "test_2025", testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return b, c
}

func seed(t *testing.T, c Collection) {
	t.Helper()
	area := 12.5
	_, err := c.InsertMany(context.Background(), []Document{
		{"stateName": "MH", "marketName": "Pune", "price": 1200.0, "area": &area, "day": day(2024, 1, 2)},
		{"stateName": "MH", "marketName": "Nashik", "price": 900.0, "day": day(2024, 1, 1)},
		{"stateName": "UP", "marketName": "Agra", "price": 1500, "area": nil, "day": day(2024, 1, 3)},
	})
	require.NoError(t, err)
}

func TestSQLite_EnsureIdempotent(t *testing.T) {
	b, err := NewSQLite(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Ensure(ctx, "market_2025", testSchema))
	require.NoError(t, b.Ensure(ctx, "market_2025", testSchema))

	_, err = os.Stat(b.Path("market_2025"))
	require.NoError(t, err)
}

func TestSQLite_EnsureConcurrent(t *testing.T) {
	b, err := NewSQLite(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Ensure(context.Background(), "market_2024", testSchema)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestSQLite_FindSortedAndTyped(t *testing.T) {
	_, c := openTestCollection(t)
	seed(t, c)

	docs, err := c.Find(context.Background(), nil, FindOptions{Sort: []SortField{{Field: "day"}}})
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, "Nashik", docs[0].String("marketName"))
	assert.Equal(t, "Pune", docs[1].String("marketName"))
	assert.True(t, docs[1].Time("day").Equal(day(2024, 1, 2)))
	assert.Equal(t, 1200.0, docs[1]["price"])

	area, ok := docs[1]["area"].(*float64)
	require.True(t, ok)
	require.NotNil(t, area)
	assert.Equal(t, 12.5, *area)
	assert.Nil(t, docs[0]["area"].(*float64), "absent nullable float stays nil")
}

func TestSQLite_Filters(t *testing.T) {
	_, c := openTestCollection(t)
	seed(t, c)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter Filter
		want   int64
	}{
		{"eq", Where("stateName", "MH"), 2},
		{"in", Filter{}.AndIn("marketName", "Pune", "Agra"), 2},
		{"contains case-insensitive", Filter{}.AndContains("marketName", "ASH"), 1},
		{"range", Filter{}.AndRange("day", day(2024, 1, 2), day(2024, 1, 3)), 2},
		{"open range", Filter{}.AndRange("day", nil, day(2024, 1, 1)), 1},
		{"conjunction", Where("stateName", "MH").And("marketName", "Agra"), 0},
		{"like wildcard escaped", Filter{}.AndContains("marketName", "%"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := c.Count(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestSQLite_Paging(t *testing.T) {
	_, c := openTestCollection(t)
	seed(t, c)

	docs, err := c.Find(context.Background(), nil, FindOptions{
		Sort:  []SortField{{Field: "day", Desc: true}},
		Skip:  1,
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Pune", docs[0].String("marketName"))
}

func TestSQLite_DistinctAndExists(t *testing.T) {
	_, c := openTestCollection(t)
	seed(t, c)
	ctx := context.Background()

	states, err := c.Distinct(ctx, "stateName", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"MH", "UP"}, states)

	markets, err := c.Distinct(ctx, "marketName", Where("stateName", "MH"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Nashik", "Pune"}, markets)

	_, err = c.Distinct(ctx, "price", nil)
	assert.Error(t, err)

	ok, err := c.Exists(ctx, Where("marketName", "Pune").And("day", day(2024, 1, 2)))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(ctx, Where("marketName", "Pune").And("day", day(2024, 1, 9)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_UniqueConflictRollsBack(t *testing.T) {
	_, c := openTestCollection(t)
	seed(t, c)
	ctx := context.Background()

	_, err := c.InsertMany(ctx, []Document{
		{"stateName": "KA", "marketName": "Mysore", "day": day(2024, 2, 1)},
		{"stateName": "MH", "marketName": "Pune", "day": day(2024, 1, 2)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	n, err := c.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "failed batch must not leave partial rows")
}

func TestSQLite_Replace(t *testing.T) {
	_, c := openTestCollection(t)
	seed(t, c)
	ctx := context.Background()

	n, err := c.Replace(ctx, []Document{{"stateName": "GJ", "marketName": "Surat", "day": day(2024, 3, 1)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	states, err := c.Distinct(ctx, "stateName", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"GJ"}, states)
}

func TestSQLite_UnknownField(t *testing.T) {
	_, c := openTestCollection(t)
	_, err := c.Count(context.Background(), Where("nope", "x"))
	assert.Error(t, err)
}

func TestSchemaValidate(t *testing.T) {
	bad := testSchema
	bad.Unique = []string{"missing"}
	assert.Error(t, bad.Validate())
	assert.NoError(t, testSchema.Validate())
	assert.Error(t, Schema{Collection: "x"}.Validate())
}
