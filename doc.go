// Package tesseract provides a query-result caching subsystem for
// table-oriented execution engines: it materializes the output of logical
// query plans into compressed columnar blocks and transparently serves
// equivalent queries from them.
//
// The core pieces are:
//
//   - pkg/plan: a tagged-variant logical plan model with canonicalization,
//     so semantically identical plans compare equal and share cache entries.
//   - pkg/columnar: per-column compression schemes (run-length, dictionary,
//     delta, bit-packed boolean, passthrough) selected by estimated size,
//     assembled into blocks carrying min/max/null statistics.
//   - pkg/storage: a block store with memory and disk tiers, serialized
//     levels run through block-level compression, and asynchronous eviction.
//   - pkg/cache: the cache manager. It registers canonical plans, rewrites
//     submitted plans onto cached scans, materializes relations lazily or
//     eagerly across partitions, prunes blocks by statistics, and tears
//     entries down without leaking size accumulators.
//   - pkg/session: the user surface, tying the catalog, execution engine and
//     cache together with table-level cache operations and dataset-style
//     relation handles.
//
// # Quick Start
//
//	cfg := config.New()
//	sess, err := session.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close()
//
//	_ = sess.CreateTable("events", eventsSchema, partitions)
//	_ = sess.CacheTable(ctx, "events")
//
//	rel, _ := sess.Table("events")
//	out, _ := rel.Filter(plan.Cmp(plan.OpGt, plan.Col("id"), plan.Lit(int64(100)))).Collect(ctx)
//
// The first read materializes the cached table into columnar blocks; later
// reads of any equivalent plan are served from those blocks until the table
// is uncached or dropped.
package tesseract
