package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
	"github.com/tesseract-db/tesseract/pkg/storage"
)

// stubExecutor serves fixed partitioned rows and counts executions.
type stubExecutor struct {
	mu      sync.Mutex
	calls   int
	schema  *schema.Schema
	parts   [][]rows.Row
	execErr error
	delay   time.Duration
}

func (s *stubExecutor) Execute(ctx context.Context, p plan.Plan) ([]rows.Iterator, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.execErr != nil {
		return nil, s.execErr
	}
	// Shape the fixed rows to the submitted plan's output schema so that
	// projected plans materialize with the right row width.
	out := p.Schema()
	idx := make([]int, out.Len())
	for i, f := range out.Fields {
		idx[i] = s.schema.IndexOf(f.Name)
	}
	its := make([]rows.Iterator, len(s.parts))
	for i, part := range s.parts {
		shaped := make([]rows.Row, len(part))
		for j, r := range part {
			row := make(rows.Row, len(idx))
			for k, src := range idx {
				if src >= 0 {
					row[k] = r[src]
				}
			}
			shaped[j] = row
		}
		its[i] = rows.NewSliceIterator([]*rows.Batch{{Schema: out, Rows: shaped}})
	}
	return its, nil
}

func (s *stubExecutor) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func usersSchema() *schema.Schema {
	return schema.New(
		schema.Field{Name: "id", Type: schema.TypeInt},
		schema.Field{Name: "name", Type: schema.TypeString},
	)
}

func usersRows(start, n int) []rows.Row {
	out := make([]rows.Row, n)
	for i := range out {
		out[i] = rows.Row{int64(start + i), fmt.Sprintf("user-%d", start+i)}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Blocks.RowsPerBlock = 4
	cfg.Storage.SpillDir = t.TempDir()
	cfg.Storage.MemoryPressurePct = 100
	cfg.Eviction.Timeout = 2 * time.Second
	return cfg
}

type fixture struct {
	cfg     *config.Config
	store   *storage.MemStore
	exec    *stubExecutor
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig(t)
	store, err := storage.NewMemStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exec := &stubExecutor{
		schema: usersSchema(),
		parts:  [][]rows.Row{usersRows(0, 10), usersRows(100, 10)},
	}
	return &fixture{
		cfg:     cfg,
		store:   store,
		exec:    exec,
		manager: NewManager(cfg, store, exec, nil),
	}
}

func (f *fixture) usersScan() plan.Plan {
	return plan.NewScan("users", usersSchema())
}

func TestCacheQueryIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.CacheQuery(ctx, f.usersScan(), "users", storage.MemoryAndDisk, false)
	require.NoError(t, err)

	aliased := &plan.Scan{Table: "users", Alias: "u", TableSchema: usersSchema()}
	second, err := f.manager.CacheQuery(ctx, aliased, "users", storage.MemoryAndDisk, false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.manager.Accumulators().Live())
	assert.False(t, f.manager.IsEmpty())
}

func TestCacheQueryEagerMaterializes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.manager.CacheQuery(ctx, f.usersScan(), "users", storage.MemoryOnly, true)
	require.NoError(t, err)

	assert.Equal(t, StateMaterialized, entry.Relation.State())
	assert.Equal(t, int64(20), entry.Relation.RowCount())
	assert.Positive(t, entry.Relation.SizeInBytes())
	// 2 partitions x 10 rows at 4 rows per block.
	assert.Len(t, entry.Relation.Blocks(), 6)
	assert.Equal(t, 1, f.exec.executions())
}

func TestCacheQueryLazyDefersExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.manager.CacheQuery(ctx, f.usersScan(), "users", storage.MemoryOnly, false)
	require.NoError(t, err)

	assert.Equal(t, StateUnmaterialized, entry.Relation.State())
	assert.Equal(t, 0, f.exec.executions())

	require.NoError(t, entry.Relation.Materialize(ctx))
	assert.Equal(t, StateMaterialized, entry.Relation.State())
	assert.Equal(t, 1, f.exec.executions())

	// Materializing again is a no-op.
	require.NoError(t, entry.Relation.Materialize(ctx))
	assert.Equal(t, 1, f.exec.executions())
}

func TestCacheQueryEagerFailureLeavesRegistryUnchanged(t *testing.T) {
	f := newFixture(t)
	f.exec.execErr = fmt.Errorf("executor down")
	ctx := context.Background()

	_, err := f.manager.CacheQuery(ctx, f.usersScan(), "users", storage.MemoryOnly, true)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMaterialization))

	assert.True(t, f.manager.IsEmpty())
	assert.Equal(t, 0, f.manager.Accumulators().Live())
	assert.Nil(t, f.manager.LookupCachedData(f.usersScan()))
}

func TestCacheQueryEagerProjectedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	projected := plan.NewProject([]string{"name"}, f.usersScan())
	entry, err := f.manager.CacheQuery(ctx, projected, "", storage.MemoryOnly, true)
	require.NoError(t, err)

	assert.Equal(t, StateMaterialized, entry.Relation.State())
	assert.Equal(t, []string{"name"}, entry.Relation.Schema().Names())
	assert.Equal(t, int64(20), entry.Relation.RowCount())
}

func TestConcurrentCacheQuerySingleMaterialization(t *testing.T) {
	f := newFixture(t)
	f.exec.delay = 30 * time.Millisecond
	ctx := context.Background()

	const callers = 8
	entries := make([]*Entry, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := f.manager.CacheQuery(ctx, f.usersScan(), "users", storage.MemoryOnly, true)
			assert.NoError(t, err)
			entries[i] = e
		}()
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, entries[0], entries[i])
	}
	assert.Equal(t, 1, f.exec.executions())
	assert.Equal(t, 1, f.manager.Accumulators().Live())
}

func TestConcurrentMaterializeRunsOnce(t *testing.T) {
	f := newFixture(t)
	f.exec.delay = 30 * time.Millisecond
	ctx := context.Background()

	entry, err := f.manager.CacheQuery(ctx, f.usersScan(), "", storage.MemoryOnly, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, entry.Relation.Materialize(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.exec.executions())
	assert.Equal(t, StateMaterialized, entry.Relation.State())
}

func TestUncacheQueryMissIsError(t *testing.T) {
	f := newFixture(t)

	err := f.manager.UncacheQuery(context.Background(), f.usersScan(), true)
	require.Error(t, err)
	assert.True(t, errors.IsNotCached(err))
}

func TestTryUncacheQueryMissIsNoOp(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.manager.TryUncacheQuery(context.Background(), f.usersScan(), true))
}

func TestUncacheQueryReleasesBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.manager.CacheQuery(ctx, f.usersScan(), "users", storage.MemoryAndDisk, true)
	require.NoError(t, err)
	blocks := entry.Relation.Blocks()
	require.NotEmpty(t, blocks)

	require.NoError(t, f.manager.UncacheQuery(ctx, f.usersScan(), true))

	assert.Nil(t, f.manager.LookupCachedData(f.usersScan()))
	assert.Equal(t, StateReleased, entry.Relation.State())
	assert.Equal(t, 0, f.manager.Accumulators().Live())
	assert.Eventually(t, func() bool {
		for _, id := range blocks {
			if f.store.IsMaterialized(id) {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Uncaching again is now a miss.
	err = f.manager.UncacheQuery(ctx, f.usersScan(), true)
	assert.True(t, errors.IsNotCached(err))
}

func TestMaterializeAfterReleaseFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.manager.CacheQuery(ctx, f.usersScan(), "", storage.MemoryOnly, true)
	require.NoError(t, err)
	require.NoError(t, entry.Relation.Release(ctx, true))

	err = entry.Relation.Materialize(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsNotCached(err))
}

func TestClearCacheLeavesNoAccumulators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plans := []plan.Plan{
		f.usersScan(),
		plan.NewFilter(plan.Cmp(plan.OpGt, plan.Col("id"), plan.Lit(int64(5))), f.usersScan()),
		plan.NewProject([]string{"name"}, f.usersScan()),
	}
	for _, p := range plans {
		_, err := f.manager.CacheQuery(ctx, p, "", storage.MemoryOnly, true)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.manager.Accumulators().Live())

	require.NoError(t, f.manager.ClearCache(ctx))

	assert.True(t, f.manager.IsEmpty())
	assert.Equal(t, 0, f.manager.Accumulators().Live())
}

func TestReleaseTableCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One entry bound to the table, one derived from it, one unrelated.
	_, err := f.manager.CacheQuery(ctx, f.usersScan(), "users", storage.MemoryOnly, true)
	require.NoError(t, err)
	derived := plan.NewProject([]string{"name"}, f.usersScan())
	_, err = f.manager.CacheQuery(ctx, derived, "users_view", storage.MemoryOnly, true)
	require.NoError(t, err)
	other := plan.NewScan("orders", usersSchema())
	_, err = f.manager.CacheQuery(ctx, other, "orders", storage.MemoryOnly, true)
	require.NoError(t, err)

	require.NoError(t, f.manager.ReleaseTable(ctx, "users", true))

	assert.Nil(t, f.manager.LookupCachedData(f.usersScan()))
	assert.Nil(t, f.manager.LookupCachedData(derived))
	assert.NotNil(t, f.manager.LookupCachedData(other))
	assert.Equal(t, 1, f.manager.Accumulators().Live())
}

func TestRewritePlanSubstitutesCachedScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.manager.CacheQuery(ctx, f.usersScan(), "users", storage.MemoryOnly, true)
	require.NoError(t, err)

	// Exact match.
	rewritten := f.manager.RewritePlan(f.usersScan())
	scan, ok := rewritten.(*ScanNode)
	require.True(t, ok)
	assert.Same(t, entry.Relation, scan.Relation)

	// Filter above a match keeps the filter and pushes the predicate down.
	pred := plan.Cmp(plan.OpGt, plan.Col("id"), plan.Lit(int64(3)))
	rewritten = f.manager.RewritePlan(plan.NewFilter(pred, f.usersScan()))
	filter, ok := rewritten.(*plan.Filter)
	require.True(t, ok)
	scan, ok = filter.Child.(*ScanNode)
	require.True(t, ok)
	assert.NotNil(t, scan.Pred)

	// Projection above a match narrows the scan.
	rewritten = f.manager.RewritePlan(plan.NewProject([]string{"name"}, f.usersScan()))
	scan, ok = rewritten.(*ScanNode)
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, scan.Columns)
	assert.Equal(t, []string{"name"}, scan.Schema().Names())

	// Unrelated plans pass through untouched.
	other := plan.NewScan("orders", usersSchema())
	assert.Same(t, other, f.manager.RewritePlan(plan.Plan(other)))
}

func TestRewritePlanMatchesNestedSubplan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inner := plan.NewFilter(plan.Cmp(plan.OpGt, plan.Col("id"), plan.Lit(int64(5))), f.usersScan())
	entry, err := f.manager.CacheQuery(ctx, inner, "", storage.MemoryOnly, true)
	require.NoError(t, err)

	// Same filter spelled with the comparison flipped; canonicalization
	// makes them match.
	flipped := plan.NewFilter(plan.Cmp(plan.OpLt, plan.Lit(int64(5)), plan.Col("id")), f.usersScan())
	outer := plan.NewLimit(3, plan.NewSort([]plan.SortKey{{Column: "id"}}, flipped))

	rewritten := f.manager.RewritePlan(plan.Plan(outer))
	limit, ok := rewritten.(*plan.Limit)
	require.True(t, ok)
	sortNode, ok := limit.Child.(*plan.Sort)
	require.True(t, ok)
	scan, ok := sortNode.Child.(*ScanNode)
	require.True(t, ok)
	assert.Same(t, entry.Relation, scan.Relation)
}
