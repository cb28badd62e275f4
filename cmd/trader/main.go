// Command trader runs the strategies against a streamed market feed and the paper venue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/meltica-trader/internal/advisory"
	"github.com/coachpo/meltica-trader/internal/config"
	"github.com/coachpo/meltica-trader/internal/coordinator"
	"github.com/coachpo/meltica-trader/internal/execution"
	"github.com/coachpo/meltica-trader/internal/execution/paper"
	"github.com/coachpo/meltica-trader/internal/feed"
	"github.com/coachpo/meltica-trader/internal/indicator"
	"github.com/coachpo/meltica-trader/internal/ingest"
	"github.com/coachpo/meltica-trader/internal/market"
	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/order"
	"github.com/coachpo/meltica-trader/internal/persistence/migrations"
	"github.com/coachpo/meltica-trader/internal/persistence/postgres"
	"github.com/coachpo/meltica-trader/internal/pipeline"
	"github.com/coachpo/meltica-trader/internal/risk"
	"github.com/coachpo/meltica-trader/internal/runtime"
	"github.com/coachpo/meltica-trader/internal/strategy/strategies"
	"github.com/coachpo/meltica-trader/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	traderLoggerPrefix       = "trader "
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath    string
	debug         bool
	flattenOnExit bool
}

func main() {
	opts := parseFlags()
	logger := log.New(os.Stdout, traderLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, opts.debug))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, opts); err != nil {
		logger.Fatalf("trader: %v", err)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to application configuration file")
	flag.BoolVar(&opts.debug, "debug", false, "Log debug lines")
	flag.BoolVar(&opts.flattenOnExit, "flatten-on-exit", false, "Cancel working orders and close positions on shutdown")
	flag.Parse()
	return opts
}

func run(ctx context.Context, logger *log.Logger, opts options) error {
	cfg, err := config.Load(ctx, opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Mode != config.ModePaper {
		return fmt.Errorf("mode %q has no venue adapter; use paper", cfg.Mode)
	}
	if cfg.Feed.URL == "" {
		return errors.New("feed url required")
	}
	logger.Printf("configuration loaded: env=%s mode=%s instruments=%d strategies=%d",
		cfg.Environment, cfg.Mode, len(cfg.Instruments), len(cfg.Strategies))

	provider, err := telemetry.NewProvider(ctx, cfg.TelemetryConfig(telemetry.DefaultConfig()))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer done()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(provider.Meter("trader"))
	if err != nil {
		return fmt.Errorf("initialise metrics: %w", err)
	}

	bus := feed.NewBus(cfg.Feed.BufferSize)
	defer bus.Close()
	publishers := feed.Fanout{bus}
	if cfg.Database.DSNRef != "" {
		pool, err := openJournal(ctx, logger, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		publishers = append(publishers, postgres.NewJournal(pool))
	}

	session := newSession()
	logger.Printf("session %s", session)
	units, disabled, err := cfg.BuildUnits(strategies.NewRegistry(), session)
	if err != nil {
		return fmt.Errorf("build strategies: %w", err)
	}
	instruments := cfg.SchemaInstruments()
	capital := cfg.Account.Capital()

	venue := paper.NewVenue(paper.Config{Capital: capital, FeeRate: cfg.Venue.Fee()})
	live := execution.NewLive(venue, cfg.Orders.Throttle)
	coord, err := coordinator.New(units,
		coordinator.WithFaultLimit(cfg.Coordinator.Limit()),
		coordinator.WithMetrics(metrics),
		coordinator.WithDisabled(disabled...))
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	gate, err := risk.NewGate(cfg.Risk.Limits(), instruments)
	if err != nil {
		return fmt.Errorf("build risk gate: %w", err)
	}
	orders := order.NewManager(live, instruments, capital,
		order.WithRetry(cfg.Orders.Retry),
		order.WithMetrics(metrics),
		order.WithReconcileWorkers(cfg.Orders.ReconcileWorkers))
	pipe, err := pipeline.New(pipeline.Parts{
		Store:       market.NewStore(),
		Indicators:  indicator.NewCache(),
		Coordinator: coord,
		Gate:        gate,
		Orders:      orders,
		Feed:        publishers,
		Metrics:     metrics,
	}, pipeline.WithPivotTimeframe(cfg.Risk.PivotTimeframe))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	client, err := ingest.NewClient(ingest.Config{
		URL:               cfg.Feed.URL,
		Instruments:       coord.Instruments(),
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
		Buffer:            cfg.Feed.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("build feed client: %w", err)
	}

	runtimeOpts := []runtime.Option{
		runtime.WithLive(live),
		runtime.WithReports(live.Reports()),
		runtime.WithBeforeProcess(venue.Observe),
		runtime.WithResync(client.Resync),
	}
	if cfg.Advisory.Enabled() {
		writer, poller, err := advisoryFiles(cfg.Advisory)
		if err != nil {
			return err
		}
		runtimeOpts = append(runtimeOpts, runtime.WithAdvisory(writer, poller))
	}
	var watcher *config.Watcher
	if cfg.Reload.Enabled {
		watcher, err = config.NewWatcher(opts.configPath, cfg.Reload.Interval)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		runtimeOpts = append(runtimeOpts, runtime.WithConfigUpdates(cfg, watcher.Updates()))
	}
	rt, err := runtime.New(pipe, client.Observations(), runtimeOpts...)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	client.OnState(rt.FeedState)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := client.Run(runCtx); err != nil {
			logger.Printf("feed client stopped: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := rt.Run(runCtx); err != nil {
			logger.Printf("runtime stopped: %v", err)
		}
	})
	if watcher != nil {
		lifecycle.Go(func() { watcher.Run(runCtx) })
	}
	lifecycle.Go(func() { flattenOnSignal(runCtx, logger, rt) })

	logger.Print("trader started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received")
	stop()
	lifecycle.Wait()

	if opts.flattenOnExit {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if _, err := rt.FlattenAll(shutdownCtx, "shutdown"); err != nil {
			return fmt.Errorf("flatten on exit: %w", err)
		}
	}
	logger.Print("shutdown complete")
	return nil
}

// newSession returns a short run id mixed into intent ids, so client order
// ids stay unique across restarts.
func newSession() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// flattenOnSignal closes every position when the process receives SIGUSR1.
func flattenOnSignal(ctx context.Context, logger *log.Logger, rt *runtime.Runtime) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			out, err := rt.FlattenAll(ctx, "operator signal")
			if err != nil {
				logger.Printf("flatten all: %v", err)
				continue
			}
			logger.Printf("flatten all: events=%d", len(out.Events))
		}
	}
}

func openJournal(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn, err := config.ResolveCredential(cfg.DSNRef)
	if err != nil {
		return nil, fmt.Errorf("resolve database dsn: %w", err)
	}
	if err := migrations.Apply(ctx, dsn, migrations.Embedded, logger); err != nil {
		return nil, err
	}
	pool, err := postgres.Open(ctx, dsn, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	logger.Print("journal connected")
	return pool, nil
}

func advisoryFiles(cfg config.AdvisoryConfig) (*advisory.Writer, *advisory.Poller, error) {
	var (
		writer *advisory.Writer
		poller *advisory.Poller
		err    error
	)
	if cfg.SnapshotPath != "" {
		if writer, err = advisory.NewWriter(cfg.SnapshotPath, cfg.SnapshotInterval); err != nil {
			return nil, nil, fmt.Errorf("advisory snapshot: %w", err)
		}
	}
	if cfg.OverridesPath != "" {
		if poller, err = advisory.NewPoller(cfg.OverridesPath, cfg.PollInterval); err != nil {
			return nil, nil, fmt.Errorf("advisory overrides: %w", err)
		}
	}
	return writer, poller, nil
}
