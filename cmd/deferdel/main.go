package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/domain/deferdel"
	"github.com/R3E-Network/service_layer/internal/app/engine"
	"github.com/R3E-Network/service_layer/internal/app/metrics"
	"github.com/R3E-Network/service_layer/internal/app/storage/deferred"
	"github.com/R3E-Network/service_layer/internal/app/system"
	"github.com/R3E-Network/service_layer/internal/config"
	"github.com/R3E-Network/service_layer/internal/platform/database"
	"github.com/R3E-Network/service_layer/internal/platform/migrations"
	"github.com/R3E-Network/service_layer/internal/runtime"
	"github.com/R3E-Network/service_layer/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log1 := logger.New(logger.LoggingConfig(cfg.Logging))
	env := runtime.Env()
	log1.WithField("environment", string(env)).Info("starting deferred deletion engine")

	rootCtx := context.Background()
	dsnVal := resolveDSN(*dsn, cfg)

	if env == runtime.Production && dsnVal == "" {
		log.Fatal("DATABASE_URL or -dsn is required in production; refusing to run with in-memory storage")
	}

	var store deferred.Store
	var db *sql.DB
	if dsnVal != "" {
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		configurePool(db, cfg)
		if *runMigrations {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store = deferred.NewPostgresStore(db)
		log1.WithField("dsn", redactDSN(dsnVal)).Info("using postgres-backed deferred storage")
	} else {
		memStore, err := deferred.NewMemoryStore()
		if err != nil {
			log.Fatalf("init in-memory store: %v", err)
		}
		store = memStore
		log1.Info("using in-memory deferred storage")
	}
	if db != nil {
		defer db.Close()
	}

	resolver := deferdel.NewStaticResolver(nil)

	eng := engine.New(engine.Config{
		Store:    store,
		Resolver: resolver,
		Tunables: tunablesFromConfig(cfg.Deferred),
		Logger:   log1,
	})

	mgr := system.NewManager(eng)

	listenAddr := determineAddr(*addr, cfg)
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: buildMux(eng),
	}

	if err := mgr.Start(rootCtx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	go func() {
		log1.WithField("addr", listenAddr).Info("deferred deletion engine listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log1.WithField("error", err.Error()).Error("http server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log1.WithField("error", err.Error()).Warn("http server shutdown")
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func buildMux(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		if err := eng.Report(r.Context(), w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(mux)
}

func tunablesFromConfig(d config.DeferredConfig) deferdel.Tunables {
	return deferdel.Tunables{
		CheckInterval:                d.CheckInterval,
		FatalErrorIntervalMultiplier: d.FatalErrorIntervalMultiplier,
		OperationDelayThreshold:      d.OperationDelayThreshold,
		MaxDelayRate:                 d.MaxDelayRate,
		MaxRetryableErrorRetries:     d.MaxRetryableErrorRetries,
		MaxFatalErrorRetries:         d.MaxFatalErrorRetries,
		MaxDeletionsAtOnce:           d.MaxDeletionsAtOnce,
		RetriesToRetry:               d.RetriesToRetry,
	}
}

func loadConfig(path string) (*config.Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return config.Load()
	}
	switch strings.ToLower(filepath.Ext(trimmed)) {
	case ".yaml", ".yml":
		return config.LoadFile(trimmed)
	case ".json":
		return config.LoadConfig(trimmed)
	default:
		if cfg, err := config.LoadFile(trimmed); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(trimmed)
	}
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil {
		host := strings.TrimSpace(cfg.Server.Host)
		port := cfg.Server.Port
		if port != 0 {
			if host == "" {
				host = "0.0.0.0"
			}
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ":8080"
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		return "***" + dsn[i:]
	}
	return "***"
}
