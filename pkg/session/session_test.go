package session

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseract-db/tesseract/pkg/cache"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
	"github.com/tesseract-db/tesseract/pkg/storage"
	"github.com/tesseract-db/tesseract/pkg/testutil"
)

func eventsSchema() *schema.Schema {
	return schema.New(
		schema.Field{Name: "id", Type: schema.TypeInt},
		schema.Field{Name: "tag", Type: schema.TypeString},
	)
}

func newSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(testutil.TestConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateTable("events", eventsSchema(), [][]rows.Row{
		testutil.SequenceRows(0, 20),
		testutil.SequenceRows(100, 20),
	}))
	return s
}

func sortedIDs(t *testing.T, got []rows.Row) []int64 {
	t.Helper()
	out := make([]int64, len(got))
	for i, r := range got {
		out[i] = r[0].(int64)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestCacheTransparency(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	rel, err := s.Table("events")
	require.NoError(t, err)
	query := rel.Filter(plan.Cmp(plan.OpGe, plan.Col("id"), plan.Lit(int64(100))))

	before, err := query.Collect(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CacheTable(ctx, "events"))
	cached, err := query.Collect(ctx)
	require.NoError(t, err)

	require.NoError(t, s.UncacheTable(ctx, "events"))
	after, err := query.Collect(ctx)
	require.NoError(t, err)

	want := sortedIDs(t, before)
	assert.Equal(t, want, sortedIDs(t, cached), "cached read must match the uncached read")
	assert.Equal(t, want, sortedIDs(t, after), "post-uncache read must match the original")
	assert.Len(t, want, 20)
}

func TestLazyCacheMaterializesOnFirstRead(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	require.NoError(t, s.CacheTable(ctx, "events"))

	p, err := s.Catalog().Resolve("events")
	require.NoError(t, err)
	entry := s.Manager().LookupCachedData(p)
	require.NotNil(t, entry)
	assert.Equal(t, cache.StateUnmaterialized, entry.Relation.State(),
		"lazy entry must not materialize before the first read")

	rel, err := s.Table("events")
	require.NoError(t, err)
	n, err := rel.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)
	assert.Equal(t, cache.StateMaterialized, entry.Relation.State())

	blocks := entry.Relation.Blocks()
	require.NotEmpty(t, blocks)

	require.NoError(t, s.UncacheTable(ctx, "events"))
	testutil.AssertEventually(t, func() bool {
		for _, id := range blocks {
			if s.store.IsMaterialized(id) {
				return false
			}
		}
		return true
	}, 2*time.Second, "blocks still materialized after uncache")
}

func TestUncacheNeverCachedTableFails(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	err := s.UncacheTable(ctx, "events")
	require.Error(t, err)
	assert.True(t, errors.IsNotCached(err))

	require.NoError(t, s.CacheTable(ctx, "events"))
	assert.True(t, s.IsCached("events"))
	require.NoError(t, s.UncacheTable(ctx, "events"))
	assert.False(t, s.IsCached("events"))
}

func TestUnpersistToleratesMiss(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	rel, err := s.Table("events")
	require.NoError(t, err)
	assert.NoError(t, rel.Unpersist(ctx, true), "unpersist of an uncached relation is a no-op")

	require.NoError(t, rel.Cache(ctx))
	assert.True(t, s.IsCached("events"))
	require.NoError(t, rel.Unpersist(ctx, true))
	assert.False(t, s.IsCached("events"))
}

func TestPersistWithExplicitLevel(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	rel, err := s.Table("events")
	require.NoError(t, err)
	require.NoError(t, rel.Persist(ctx, storage.DiskOnly))

	entry := s.Manager().LookupCachedData(rel.Plan())
	require.NotNil(t, entry)
	assert.Equal(t, storage.DiskOnly, entry.Relation.Level())

	got, err := rel.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 40)
}

func TestCachedReadsServeFromBlocks(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	require.NoError(t, s.CacheTableEager(ctx, "events"))

	// Mutate the underlying partitions; a cached read must not see it.
	tbl, err := s.Catalog().Table("events")
	require.NoError(t, err)
	tbl.Partitions[0] = nil

	rel, err := s.Table("events")
	require.NoError(t, err)
	got, err := rel.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 40, "cached read bypasses the table data")

	require.NoError(t, s.UncacheTable(ctx, "events"))
	got, err = rel.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 20, "uncached read goes back to the table")
}

func TestCacheTableAsAndDropCascade(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	base, err := s.Catalog().Resolve("events")
	require.NoError(t, err)
	high := plan.NewFilter(plan.Cmp(plan.OpGe, plan.Col("id"), plan.Lit(int64(100))), base)
	require.NoError(t, s.CacheTableAs(ctx, "high_events", high, true))

	// A second view over the same source, never cached itself.
	low := plan.NewFilter(plan.Cmp(plan.OpLt, plan.Col("id"), plan.Lit(int64(100))), base)
	require.NoError(t, s.Catalog().CreateTempView("low_events", low))

	assert.True(t, s.IsCached("high_events"))

	require.NoError(t, s.Catalog().DropTempView(ctx, "high_events"))
	assert.False(t, s.IsCached("high_events"))
	assert.Equal(t, 0, s.Manager().Accumulators().Live())

	// The sibling view still resolves and reads the base table.
	rel, err := s.Table("low_events")
	require.NoError(t, err)
	got, err := rel.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestDropTableReleasesDependentCaches(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	base, err := s.Catalog().Resolve("events")
	require.NoError(t, err)
	view := plan.NewProject([]string{"tag"}, base)
	require.NoError(t, s.CacheTableAs(ctx, "tags", view, true))
	require.NoError(t, s.CacheTable(ctx, "events"))

	require.NoError(t, s.DropTable(ctx, "events"))

	assert.True(t, s.Manager().IsEmpty(), "every entry over the dropped table is released")
	assert.Equal(t, 0, s.Manager().Accumulators().Live())
	_, err = s.Table("tags")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound), "dependent view dropped with the table")
}

func TestClearCacheLeavesNoAccumulators(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	require.NoError(t, s.CacheTableEager(ctx, "events"))
	rel, err := s.Table("events")
	require.NoError(t, err)
	require.NoError(t, rel.Select("tag").Cache(ctx))

	require.NoError(t, s.ClearCache(ctx))
	assert.True(t, s.Manager().IsEmpty())
	assert.Equal(t, 0, s.Manager().Accumulators().Live())
	assert.False(t, s.IsCached("events"))
}

func TestGroupByOverCachedTable(t *testing.T) {
	s := newSession(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	require.NoError(t, s.CacheTableEager(ctx, "events"))

	rel, err := s.Table("events")
	require.NoError(t, err)
	got, err := rel.GroupBy(nil,
		plan.AggSpec{Fn: plan.AggMin, Column: "id", As: "lo"},
		plan.AggSpec{Fn: plan.AggMax, Column: "id", As: "hi"},
	).Collect(ctx)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, int64(0), got[0][0])
	assert.Equal(t, int64(119), got[0][1])
}
