package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseract-db/tesseract/pkg/catalog"
	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

func salesSchema() *schema.Schema {
	return schema.New(
		schema.Field{Name: "region", Type: schema.TypeString},
		schema.Field{Name: "amount", Type: schema.TypeInt},
		schema.Field{Name: "rate", Type: schema.TypeFloat},
	)
}

func newEngine(t *testing.T) (*Engine, *catalog.Catalog) {
	t.Helper()
	cat := catalog.New()
	require.NoError(t, cat.CreateTable("sales", salesSchema(), [][]rows.Row{
		{
			{"east", int64(10), 1.0},
			{"west", int64(20), 2.0},
			{"east", int64(30), 3.0},
		},
		{
			{"west", int64(40), 4.0},
			{"east", nil, 5.0},
		},
	}))
	cfg := config.New()
	cfg.Performance.BatchSize = 2
	return New(cat, cfg), cat
}

func runAll(t *testing.T, e *Engine, p plan.Plan) []rows.Row {
	t.Helper()
	it, err := e.Run(context.Background(), p)
	require.NoError(t, err)
	all, err := rows.Drain(it)
	require.NoError(t, err)
	return all
}

func TestScanPreservesPartitions(t *testing.T) {
	e, cat := newEngine(t)
	p, err := cat.Resolve("sales")
	require.NoError(t, err)

	parts, err := e.Execute(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	first, err := rows.Drain(parts[0])
	require.NoError(t, err)
	assert.Len(t, first, 3)
	second, err := rows.Drain(parts[1])
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestScanMissingTable(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Execute(context.Background(), plan.NewScan("ghost", salesSchema()))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestFilter(t *testing.T) {
	e, _ := newEngine(t)
	p := plan.NewFilter(
		plan.Cmp(plan.OpGt, plan.Col("amount"), plan.Lit(int64(15))),
		plan.NewScan("sales", salesSchema()),
	)
	all := runAll(t, e, p)
	require.Len(t, all, 3)
	for _, r := range all {
		assert.Greater(t, r[1].(int64), int64(15))
	}
}

func TestFilterNullNeverPasses(t *testing.T) {
	e, _ := newEngine(t)
	// amount is NULL in one row; neither > nor <= admits it.
	gt := plan.NewFilter(plan.Cmp(plan.OpGt, plan.Col("amount"), plan.Lit(int64(0))), plan.NewScan("sales", salesSchema()))
	le := plan.NewFilter(plan.Cmp(plan.OpLe, plan.Col("amount"), plan.Lit(int64(0))), plan.NewScan("sales", salesSchema()))
	assert.Len(t, runAll(t, e, gt), 4)
	assert.Len(t, runAll(t, e, le), 0)
}

func TestFilterCompound(t *testing.T) {
	e, _ := newEngine(t)
	pred := &plan.And{Operands: []plan.Expr{
		plan.Cmp(plan.OpEq, plan.Col("region"), plan.Lit("east")),
		plan.Cmp(plan.OpLt, plan.Col("amount"), plan.Lit(int64(30))),
	}}
	all := runAll(t, e, plan.NewFilter(pred, plan.NewScan("sales", salesSchema())))
	require.Len(t, all, 1)
	assert.Equal(t, int64(10), all[0][1])
}

func TestProject(t *testing.T) {
	e, _ := newEngine(t)
	p := plan.NewProject([]string{"amount", "region"}, plan.NewScan("sales", salesSchema()))
	all := runAll(t, e, p)
	require.Len(t, all, 5)
	assert.Equal(t, rows.Row{int64(10), "east"}, all[0])
}

func TestAggregateGrouped(t *testing.T) {
	e, _ := newEngine(t)
	p := plan.NewAggregate(
		[]string{"region"},
		[]plan.AggSpec{
			{Fn: plan.AggCount, Column: "*", As: "n"},
			{Fn: plan.AggSum, Column: "amount", As: "total"},
			{Fn: plan.AggMin, Column: "amount", As: "lo"},
			{Fn: plan.AggMax, Column: "amount", As: "hi"},
			{Fn: plan.AggAvg, Column: "rate", As: "avg_rate"},
		},
		plan.NewScan("sales", salesSchema()),
	)
	all := runAll(t, e, p)
	require.Len(t, all, 2)

	byRegion := map[string]rows.Row{}
	for _, r := range all {
		byRegion[r[0].(string)] = r
	}

	east := byRegion["east"]
	require.NotNil(t, east)
	assert.Equal(t, int64(3), east[1], "count(*) includes the null-amount row")
	assert.Equal(t, int64(40), east[2], "sum skips nulls")
	assert.Equal(t, int64(10), east[3])
	assert.Equal(t, int64(30), east[4])
	assert.InDelta(t, 3.0, east[5].(float64), 1e-9)

	west := byRegion["west"]
	require.NotNil(t, west)
	assert.Equal(t, int64(2), west[1])
	assert.Equal(t, int64(60), west[2])
}

func TestAggregateGlobalOverEmptyInput(t *testing.T) {
	e, _ := newEngine(t)
	empty := plan.NewFilter(
		plan.Cmp(plan.OpGt, plan.Col("amount"), plan.Lit(int64(1000))),
		plan.NewScan("sales", salesSchema()),
	)
	p := plan.NewAggregate(nil, []plan.AggSpec{
		{Fn: plan.AggCount, Column: "*", As: "n"},
		{Fn: plan.AggSum, Column: "amount", As: "total"},
	}, empty)

	all := runAll(t, e, p)
	require.Len(t, all, 1)
	assert.Equal(t, int64(0), all[0][0])
	assert.Nil(t, all[0][1])
}

func TestSort(t *testing.T) {
	e, _ := newEngine(t)
	p := plan.NewSort(
		[]plan.SortKey{{Column: "amount", Desc: true}},
		plan.NewScan("sales", salesSchema()),
	)
	all := runAll(t, e, p)
	require.Len(t, all, 5)
	assert.Equal(t, int64(40), all[0][1])
	assert.Equal(t, int64(30), all[1][1])
	assert.Nil(t, all[4][1], "nulls sort last when descending")
}

func TestLimit(t *testing.T) {
	e, _ := newEngine(t)
	p := plan.NewLimit(3, plan.NewScan("sales", salesSchema()))
	assert.Len(t, runAll(t, e, p), 3)

	p = plan.NewLimit(100, plan.NewScan("sales", salesSchema()))
	assert.Len(t, runAll(t, e, p), 5)
}

func TestComposedPlan(t *testing.T) {
	e, _ := newEngine(t)
	p := plan.NewLimit(2, plan.NewSort(
		[]plan.SortKey{{Column: "total", Desc: true}},
		plan.NewAggregate(
			[]string{"region"},
			[]plan.AggSpec{{Fn: plan.AggSum, Column: "amount", As: "total"}},
			plan.NewFilter(
				plan.Cmp(plan.OpGt, plan.Col("amount"), plan.Lit(int64(0))),
				plan.NewScan("sales", salesSchema()),
			),
		),
	))
	all := runAll(t, e, p)
	require.Len(t, all, 2)
	assert.Equal(t, "west", all[0][0])
	assert.Equal(t, int64(60), all[0][1])
	assert.Equal(t, "east", all[1][0])
	assert.Equal(t, int64(40), all[1][1])
}
