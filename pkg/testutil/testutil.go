// Package testutil provides testing utilities for Tesseract
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/rows"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// TestConfig returns a config tuned for tests: small blocks so multi-block
// paths are exercised, a per-test spill directory, and short eviction waits.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Blocks.RowsPerBlock = 8
	cfg.Storage.SpillDir = t.TempDir()
	cfg.Storage.MemoryPressurePct = 100
	cfg.Eviction.Timeout = 2 * time.Second
	cfg.Performance.BatchSize = 4
	return cfg
}

// AssertEventually asserts that a condition becomes true within the specified
// timeout. It checks the condition every 10ms until it succeeds or the
// timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// SequenceRows builds n rows of (int64 id, string tag) starting at start,
// the shape most cache tests feed through a table.
func SequenceRows(start, n int) []rows.Row {
	out := make([]rows.Row, n)
	for i := range out {
		out[i] = rows.Row{int64(start + i), fmt.Sprintf("tag-%d", start+i)}
	}
	return out
}
