package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tesseract-db/tesseract/pkg/config"
	"github.com/tesseract-db/tesseract/pkg/logger"
	"github.com/tesseract-db/tesseract/pkg/plan"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
	"github.com/tesseract-db/tesseract/pkg/session"
)

var version = "0.1.0"

func main() {
	v := viper.New()
	v.SetEnvPrefix("TESSERACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var configFile string

	root := &cobra.Command{
		Use:   "tesseract",
		Short: "Tesseract - columnar query-result cache",
		Long: `Tesseract materializes query results into compressed columnar blocks and
transparently serves equivalent queries from them.`,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Int("rows-per-block", 0, "override rows per columnar block")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("blocks.rows_per_block", root.PersistentFlags().Lookup("rows-per-block"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tesseract v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, v)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Run a short caching demonstration on generated data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, v)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cfg)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers the config file under viper-bound flags and environment.
func loadConfig(path string, v *viper.Viper) (*config.Config, error) {
	cfg := config.New()
	if path != "" {
		if err := config.Load(path, cfg); err != nil {
			return nil, err
		}
	}
	if level := v.GetString("log_level"); level != "" {
		cfg.Observability.LogLevel = level
	}
	if n := v.GetInt("blocks.rows_per_block"); n > 0 {
		cfg.Blocks.RowsPerBlock = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{Level: cfg.Observability.LogLevel}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDemo(ctx context.Context, cfg *config.Config) error {
	s, err := session.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	eventsSchema := schema.New(
		schema.Field{Name: "id", Type: schema.TypeInt},
		schema.Field{Name: "tag", Type: schema.TypeString},
	)
	parts := [][]rows.Row{}
	for p := 0; p < 4; p++ {
		parts = append(parts, demoRows(p*25000, 25000))
	}
	if err := s.CreateTable("events", eventsSchema, parts); err != nil {
		return err
	}

	rel, err := s.Table("events")
	if err != nil {
		return err
	}
	query := rel.Filter(plan.Cmp(plan.OpGe, plan.Col("id"), plan.Lit(int64(90000))))

	cold := time.Now()
	got, err := query.Collect(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cold read: %d rows in %v\n", len(got), time.Since(cold))

	if err := s.CacheTableEager(ctx, "events"); err != nil {
		return err
	}
	logger.Info("table cached", zap.String("table", "events"))

	warm := time.Now()
	got, err = query.Collect(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cached read: %d rows in %v\n", len(got), time.Since(warm))

	if err := s.UncacheTable(ctx, "events"); err != nil {
		return err
	}
	fmt.Println("table uncached; cache empty:", s.Manager().IsEmpty())
	return nil
}

func demoRows(start, n int) []rows.Row {
	out := make([]rows.Row, n)
	for i := range out {
		out[i] = rows.Row{int64(start + i), fmt.Sprintf("tag-%d", (start+i)%64)}
	}
	return out
}
