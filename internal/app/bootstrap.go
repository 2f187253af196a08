package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"crypto_link/internal/engine"
	"crypto_link/internal/event"
	"crypto_link/internal/execution"
	"crypto_link/internal/infra"
	"crypto_link/internal/metrics"
	"crypto_link/internal/ratelimit"
	"crypto_link/internal/state"
	"crypto_link/internal/storage"
	"crypto_link/internal/validator"

	"github.com/shopspring/decimal"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Store   *state.Store
	Journal *storage.Journal
	Limiter *ratelimit.Limiter
	Venue   *execution.Venue
	Engine  *engine.Engine
	Metrics *metrics.Collector

	metricsServer *http.Server
	unlock        func()
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration and builds every component. Nothing
// talks to the exchange until Run.
func (b *Bootstrap) Initialize() error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	b.Config = cfg

	slog.SetDefault(infra.NewLogger(cfg, os.Stdout))
	infra.PrintBanner(os.Stdout, cfg)
	slog.Info("🚀 Bootstrapping Crypto Link...")

	// Data isolation: <workspace>/data/<mode>
	workDir := infra.GetWorkspaceDir()
	dataDir := infra.DataDir(workDir, cfg.State.Dir, cfg.Trading.Mode)
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	unlock, err := infra.CreateLockFile(dataDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	b.Metrics = metrics.New()

	if err := b.openState(dataDir); err != nil {
		b.Shutdown()
		return err
	}
	if err := b.buildEngine(); err != nil {
		b.Shutdown()
		return err
	}
	return nil
}

func (b *Bootstrap) openState(dataDir string) error {
	cfg := b.Config

	b.Store = state.NewStore(state.Options{
		Path:       filepath.Join(dataDir, cfg.State.File),
		Debounce:   cfg.State.Debounce,
		BackupKeep: cfg.State.BackupKeep,
		OnPersist:  b.Metrics.Persisted,
	})
	res, err := b.Store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	slog.Info("✅ State loaded",
		slog.String("source", string(res.Source)),
		slog.String("path", res.Path),
		slog.Bool("migrated", res.Migrated))

	journalPath := cfg.Journal.Path
	if !filepath.IsAbs(journalPath) {
		journalPath = filepath.Join(dataDir, journalPath)
	}
	j, err := storage.OpenJournal(journalPath)
	if err != nil {
		return err
	}
	b.Journal = j
	slog.Info("✅ Journal initialized (WAL-mode)", slog.String("path", journalPath))

	now := time.Now()
	if err := j.UpsertMetadata(context.Background(), "last_start", now.Format(time.RFC3339), now.UnixMicro()); err != nil {
		slog.Warn("Journal metadata write failed", slog.Any("error", err))
	}
	return nil
}

func (b *Bootstrap) buildEngine() error {
	cfg := b.Config

	limiter, err := newLimiter(cfg)
	if err != nil {
		return err
	}
	b.Limiter = limiter

	table, err := precisionTable(cfg.Trading.Symbols)
	if err != nil {
		return err
	}
	symbols := make([]string, 0, len(table))
	for sym := range table {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	b.Metrics.WatchLimiter(limiter, symbols)

	inbox := make(chan event.Event, 1024)
	factory := execution.NewFactory(cfg)
	factory.OnBreakerChange = b.Metrics.BreakerChanged
	venue, err := factory.Build(inbox)
	if err != nil {
		return err
	}
	b.Venue = venue

	eng, err := engine.New(engine.Config{
		MaxActiveOrders: cfg.Trading.MaxActiveOrders,
		OrderTimeout:    cfg.Trading.OrderTimeout,
		CallTimeout:     cfg.Trading.CallTimeout,
		CancelSettle:    cfg.Trading.CancelSettle,
		HistoryLimit:    cfg.Trading.HistoryLimit,
		Inbox:           inbox,
	}, engine.Deps{
		Validator: validator.New(table),
		Limiter:   limiter,
		Transport: venue.Transport,
		Store:     b.Store,
		Journal:   b.Journal,
		Balances:  venue.Balances,
		Metrics:   b.Metrics,
	})
	if err != nil {
		return err
	}
	b.Engine = eng
	slog.Info("✅ Engine ready",
		slog.String("tier", limiter.Tier().Name),
		slog.Any("symbols", symbols))
	return nil
}

// Run starts the stream workers, the persister and the engine, restores
// persisted orders and serves /metrics. It returns once everything runs.
func (b *Bootstrap) Run(ctx context.Context) error {
	b.Store.Start(ctx)
	go b.Engine.Run(ctx)
	b.Venue.Start(ctx)

	n, err := b.Engine.Restore(ctx)
	if err != nil {
		slog.Warn("Some restored orders could not be reconciled", slog.Any("error", err))
	}
	slog.Info("✅ Orders restored", slog.Int("active", n))

	if addr := b.Config.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", b.Metrics.Handler())
		b.metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("📈 Metrics server started", slog.String("addr", addr))
			if err := b.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
	}
	return nil
}

// Shutdown stops every component in reverse start order and writes the
// final state. Safe to call on a partially initialized bootstrap.
func (b *Bootstrap) Shutdown() {
	if b.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = b.metricsServer.Shutdown(ctx)
		cancel()
	}
	if b.Venue != nil {
		b.Venue.Stop()
	}
	if b.Engine != nil {
		b.Engine.Close()
	}
	if b.Store != nil {
		if err := b.Store.Stop(); err != nil {
			slog.Error("Final state persist failed", slog.Any("error", err))
		}
	}
	if b.Journal != nil {
		if err := b.Journal.Close(); err != nil {
			slog.Error("Journal close failed", slog.Any("error", err))
		}
	}
	if b.unlock != nil {
		b.unlock()
		b.unlock = nil
	}
}

func newLimiter(cfg *infra.Config) (*ratelimit.Limiter, error) {
	tier, err := ratelimit.TierByName(cfg.Trading.Tier)
	if err != nil {
		return nil, err
	}
	lc := ratelimit.DefaultConfig(tier)
	rl := cfg.RateLimit
	if rl.FactorMin > 0 {
		lc.FactorMin = rl.FactorMin
	}
	if rl.FactorMax > 0 {
		lc.FactorMax = rl.FactorMax
	}
	if rl.FactorStep > 0 {
		lc.FactorStep = rl.FactorStep
	}
	if rl.Predictive != nil {
		lc.Predictive = *rl.Predictive
	}
	if rl.Horizon > 0 {
		lc.Horizon = rl.Horizon
	}
	if rl.BurstMultiplier > 0 {
		lc.BurstMultiplier = rl.BurstMultiplier
	}
	if rl.BurstWindow > 0 {
		lc.BurstWindow = rl.BurstWindow
	}
	if rl.MinWeightFactor > 0 {
		lc.MinWeightFactor = rl.MinWeightFactor
	}
	if rl.SuccessRate > 0 {
		lc.SuccessRate = rl.SuccessRate
	}
	return ratelimit.NewLimiter(lc), nil
}

func precisionTable(symbols map[string]infra.SymbolConfig) (validator.PrecisionTable, error) {
	table := make(validator.PrecisionTable, len(symbols))
	for sym, sc := range symbols {
		minQty, err := optionalDecimal(sc.MinQty)
		if err != nil {
			return nil, fmt.Errorf("symbol %s min_qty: %w", sym, err)
		}
		maxQty, err := optionalDecimal(sc.MaxQty)
		if err != nil {
			return nil, fmt.Errorf("symbol %s max_qty: %w", sym, err)
		}
		table[sym] = validator.SymbolRules{
			WireSymbol:    sc.Wire,
			BaseAsset:     sc.Base,
			QuoteAsset:    sc.Quote,
			PriceDecimals: sc.PriceDecimals,
			QtyDecimals:   sc.QtyDecimals,
			MinQty:        minQty,
			MaxQty:        maxQty,
		}
	}
	return table, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
