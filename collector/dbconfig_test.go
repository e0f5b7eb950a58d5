package collector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottlaird/od-collector/urlmetric"
)

// newTestDB returns a SqlDriver backed by a SQLite file in a temp dir.
func newTestDB(t *testing.T) *SqlDriver {
	t.Helper()
	db := NewSqlDriverWithDSN("sqlite", filepath.Join(t.TempDir(), "od.db"), "url_metrics")
	require.NoError(t, db.Connect(context.Background()))
	require.NoError(t, db.CreateTable(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func storedMetric(id string, width int, ts float64) urlmetric.URLMetric {
	return urlmetric.URLMetric{
		UUID:      id,
		URL:       "https://example.com/",
		Timestamp: ts,
		Viewport:  urlmetric.Viewport{Width: width, Height: 800},
		Elements:  []urlmetric.ElementData{},
		Extra:     map[string]any{"lcpTimeToFirstByte": float64(80)},
	}
}

func TestSqlDriver_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	const slug = "0123456789abcdef0123456789abcdef"
	for i, id := range []string{"b", "a", "c"} {
		r := Record{Slug: slug, Hostname: "h", ClientIP: "192.0.2.1", URLMetric: storedMetric(id, 500, float64(100-i))}
		require.NoError(t, db.Write(ctx, r, nil))
	}
	require.NoError(t, db.Write(ctx, Record{Slug: "ffffffffffffffffffffffffffffffff", URLMetric: storedMetric("other", 500, 1)}, nil))

	got, err := db.URLMetrics(ctx, slug)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].UUID, "oldest first")
	assert.Equal(t, "b", got[2].UUID)
	assert.Equal(t, storedMetric("a", 500, 99), got[1])

	require.NoError(t, db.Write(ctx, Record{Slug: slug, URLMetric: storedMetric("d", 500, 200)}, []string{"b", "c"}))
	got, err = db.URLMetrics(ctx, slug)
	require.NoError(t, err)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.UUID)
	}
	assert.Equal(t, []string{"a", "d"}, ids)

	// Eviction is scoped to the slug.
	other, err := db.URLMetrics(ctx, "ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestSqlDriver_DuplicateUUIDRollsBack(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	const slug = "0123456789abcdef0123456789abcdef"

	require.NoError(t, db.Write(ctx, Record{Slug: slug, URLMetric: storedMetric("a", 500, 1)}, nil))
	require.NoError(t, db.Write(ctx, Record{Slug: slug, URLMetric: storedMetric("b", 500, 2)}, nil))

	// The insert fails, so the delete of "b" must not survive either.
	err := db.Write(ctx, Record{Slug: slug, URLMetric: storedMetric("a", 500, 3)}, []string{"b"})
	require.Error(t, err)

	got, err := db.URLMetrics(ctx, slug)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSqlDriver_Rebind(t *testing.T) {
	pg := NewSqlDriverWithDSN("pgx", "", "t")
	assert.Equal(t, "DELETE FROM t WHERE slug = $1 AND uuid IN ($2, $3)",
		pg.rebind("DELETE FROM t WHERE slug = ? AND uuid IN (?, ?)"))

	my := NewSqlDriverWithDSN("mysql", "", "t")
	assert.Equal(t, "SELECT ? FROM t", my.rebind("SELECT ? FROM t"))
}
