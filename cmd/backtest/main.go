// Command backtest replays historical candles through the configured strategies
// and prints the performance report as JSON.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-trader/internal/backtest"
	"github.com/coachpo/meltica-trader/internal/config"
	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/persistence/migrations"
	"github.com/coachpo/meltica-trader/internal/persistence/postgres"
	"github.com/coachpo/meltica-trader/internal/schema"
	"github.com/coachpo/meltica-trader/internal/strategy/strategies"
)

type options struct {
	configPath string
	data       string
	out        string
	persist    bool
	debug      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "config/app.yaml", "Path to application configuration file")
	flag.StringVar(&opts.data, "data", "", "Comma separated CSV files as [SYMBOL=]path; overrides backtest.dataPaths")
	flag.StringVar(&opts.out, "out", "", "Write the JSON report to this file instead of stdout")
	flag.BoolVar(&opts.persist, "persist", false, "Journal orders, rejects, and the report to the configured database")
	flag.BoolVar(&opts.debug, "debug", false, "Log debug lines")
	flag.Parse()

	logger := log.New(os.Stderr, "backtest ", log.LstdFlags)
	observability.SetLogger(observability.NewStdLogger(logger, opts.debug))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, opts); err != nil {
		logger.Fatalf("backtest failed: %v", err)
	}
}

func run(ctx context.Context, logger *log.Logger, opts options) error {
	cfg, err := config.Load(ctx, opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	timeframe := cfg.Backtest.Timeframe
	if timeframe == "" {
		return errors.New("backtest timeframe required")
	}
	entries := cfg.Backtest.DataPaths
	if opts.data != "" {
		entries = strings.Split(opts.data, ",")
	}
	sources, err := parseDataSpecs(entries, cfg.SchemaInstruments())
	if err != nil {
		return err
	}

	feeders := make([]backtest.DataFeeder, 0, len(sources))
	for _, src := range sources {
		feeder, err := backtest.NewCSVFeeder(src.path, src.symbol, timeframe)
		if err != nil {
			return fmt.Errorf("open %s: %w", src.path, err)
		}
		defer func() { _ = feeder.Close() }()
		feeders = append(feeders, feeder)
	}

	units, disabled, err := cfg.BuildUnits(strategies.NewRegistry(), "")
	if err != nil {
		return fmt.Errorf("build strategies: %w", err)
	}

	var engineOpts []backtest.EngineOption
	engineOpts = append(engineOpts,
		backtest.WithFaultLimit(cfg.Coordinator.Limit()),
		backtest.WithPivotTimeframe(cfg.Risk.PivotTimeframe))
	if opts.persist {
		journal, closeJournal, err := openJournal(ctx, logger, cfg.Database)
		if err != nil {
			return err
		}
		defer closeJournal()
		engineOpts = append(engineOpts, backtest.WithFeed(feed.Fanout{journal}))
	}

	engine, err := backtest.NewEngine(backtest.Setup{
		Capital:       cfg.Backtest.Capital(cfg.Account.Capital()),
		FeeRate:       cfg.Backtest.FeeRateValue(),
		SlippageBPS:   cfg.Backtest.Slippage(),
		Annualization: cfg.Backtest.Annualization,
		Timeframe:     timeframe,
		Instruments:   cfg.SchemaInstruments(),
		Units:         units,
		Disabled:      disabled,
		Limits:        cfg.Risk.Limits(),
	}, feeders, engineOpts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	report, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	return writeReport(opts.out, report)
}

type dataSource struct {
	symbol string
	path   string
}

// parseDataSpecs reads [SYMBOL=]path entries. Entries without a symbol take the
// only declared instrument, or rely on the file's symbol column.
func parseDataSpecs(entries []string, instruments []schema.Instrument) ([]dataSource, error) {
	var out []dataSource
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		src := dataSource{path: entry}
		if symbol, path, ok := strings.Cut(entry, "="); ok {
			src.symbol = strings.TrimSpace(symbol)
			src.path = strings.TrimSpace(path)
		} else if len(instruments) == 1 {
			src.symbol = instruments[0].Symbol
		}
		if src.path == "" {
			return nil, fmt.Errorf("data entry %q has no path", entry)
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		return nil, errors.New("no backtest data; set backtest.dataPaths or -data")
	}
	return out, nil
}

func writeReport(path string, report backtest.Report) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	raw = append(raw, '\n')
	var w io.Writer = os.Stdout
	if path != "" {
		file, err := os.Create(path) // #nosec G304 -- path is operator provided via CLI flags.
		if err != nil {
			return fmt.Errorf("create report file: %w", err)
		}
		defer func() { _ = file.Close() }()
		w = file
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func openJournal(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*postgres.Journal, func(), error) {
	if cfg.DSNRef == "" {
		return nil, nil, errors.New("-persist needs database.dsnRef")
	}
	dsn, err := config.ResolveCredential(cfg.DSNRef)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve database dsn: %w", err)
	}
	if err := migrations.Apply(ctx, dsn, migrations.Embedded, logger); err != nil {
		return nil, nil, err
	}
	pool, err := postgres.Open(ctx, dsn, cfg.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewJournal(pool), pool.Close, nil
}
