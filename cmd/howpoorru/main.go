package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/howpoorru/howpoorru/internal/config"
	"github.com/howpoorru/howpoorru/internal/esi"
	"github.com/howpoorru/howpoorru/internal/metrics"
	"github.com/howpoorru/howpoorru/internal/resolve"
	"github.com/howpoorru/howpoorru/internal/scheduler"
	"github.com/howpoorru/howpoorru/internal/sso"
	"github.com/howpoorru/howpoorru/internal/stats"
	"github.com/howpoorru/howpoorru/internal/store/postgres"
	syncjob "github.com/howpoorru/howpoorru/internal/sync"
	"github.com/howpoorru/howpoorru/internal/web"
)

const (
	appName = "howpoorru"
	version = "v1.0.0"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "EVE Online wallet journal aggregator",
		Long:    "Synchronizes character and corporation wallet journals from ESI into a unified, cross-referenced ledger.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync scheduler and the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}

	var (
		syncCharacters   bool
		syncCorporations bool
		syncPublic       bool
		syncStats        bool
		syncCharacterID  int64
	)
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run sync jobs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			none := !syncCharacters && !syncCorporations && !syncPublic && !syncStats && syncCharacterID == 0
			return runOnce(configPath, oneShot{
				characters:   syncCharacters || none,
				corporations: syncCorporations || none,
				public:       syncPublic,
				stats:        syncStats,
				characterID:  syncCharacterID,
			})
		},
	}
	syncCmd.Flags().BoolVar(&syncCharacters, "characters", false, "sync personal wallets")
	syncCmd.Flags().BoolVar(&syncCorporations, "corporations", false, "sync corporate wallets")
	syncCmd.Flags().BoolVar(&syncPublic, "public", false, "refresh public entity records")
	syncCmd.Flags().BoolVar(&syncStats, "stats", false, "recompute cached statistics")
	syncCmd.Flags().Int64Var(&syncCharacterID, "character", 0, "refresh a single character immediately")

	rootCmd.AddCommand(runCmd, syncCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired process: stores, clients, jobs.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *sqlx.DB
	redis    *redis.Client
	registry *prometheus.Registry
	syncer   *syncjob.Syncer
	stats    *stats.Job
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	entities := postgres.NewEntityStore(db, cfg.Postgres.QueryTimeout.Std())
	journals := postgres.NewJournalStore(db, cfg.Postgres.QueryTimeout.Std())

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})

	api, err := esi.NewClient(esi.Config{
		BaseURL:   cfg.ESI.BaseURL,
		UserAgent: cfg.ESI.UserAgent,
		Timeout:   cfg.ESI.Timeout.Std(),
		RPS:       cfg.ESI.RPS,
		Burst:     cfg.ESI.Burst,
	}, log.With().Str("component", "esi").Logger())
	if err != nil {
		db.Close()
		return nil, err
	}

	tokens := sso.NewManager(sso.Config{
		TokenURL:     cfg.SSO.TokenURL,
		ClientID:     cfg.SSO.ClientID,
		ClientSecret: cfg.SSO.ClientSecret,
	}, log.With().Str("component", "sso").Logger())

	resolver := resolve.New(entities, api, log.With().Str("component", "resolve").Logger())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	syncer := syncjob.New(syncjob.Deps{
		Entities: entities,
		Journal:  journals,
		API:      api,
		Tokens:   tokens,
		Resolver: resolver,
		Metrics:  m,
		Log:      log.With().Str("component", "sync").Logger(),
	}, syncjob.Options{JournalInterval: cfg.Jobs.JournalInterval.Std()})

	statsJob := stats.NewJob(entities, journals, rdb, log.With().Str("component", "stats").Logger())

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		redis:    rdb,
		registry: registry,
		syncer:   syncer,
		stats:    statsJob,
	}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.redis.Close()
}

func runDaemon(configPath string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(a.log.With().Str("component", "scheduler").Logger())
	sched.Add("characters", a.cfg.Jobs.Wallets.Std(), a.syncer.SyncCharacters)
	sched.Add("corporations", a.cfg.Jobs.Corporations.Std(), a.syncer.SyncCorporations)
	sched.Add("public_info", a.cfg.Jobs.PublicInfo.Std(), a.syncer.RefreshPublicInfo)
	sched.Add("stats", a.cfg.Jobs.Stats.Std(), a.stats.Run)

	srv := web.NewServer(a.cfg.HTTPAddr, sched, a.stats, a.registry,
		a.log.With().Str("component", "web").Logger())

	errc := make(chan error, 2)
	go func() { errc <- srv.Start(ctx) }()
	go func() { errc <- sched.Start(ctx) }()

	a.log.Info().Str("version", version).Msg("daemon started")

	// first error (or shutdown) wins; the second goroutine drains on ctx
	err = <-errc
	stop()
	<-errc
	if err == context.Canceled {
		return nil
	}
	return err
}

type oneShot struct {
	characters   bool
	corporations bool
	public       bool
	stats        bool
	characterID  int64
}

func runOnce(configPath string, run oneShot) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if run.characterID != 0 {
		return a.syncer.SyncOne(ctx, run.characterID)
	}
	if run.public {
		if err := a.syncer.RefreshPublicInfo(ctx); err != nil {
			return err
		}
	}
	if run.characters {
		if err := a.syncer.SyncCharacters(ctx); err != nil {
			return err
		}
	}
	if run.corporations {
		if err := a.syncer.SyncCorporations(ctx); err != nil {
			return err
		}
	}
	if run.stats {
		if err := a.stats.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}
