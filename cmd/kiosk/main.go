package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"mojarreria/kiosk/internal/backend"
	"mojarreria/kiosk/internal/closestore"
	"mojarreria/kiosk/internal/clockstore"
	"mojarreria/kiosk/internal/config"
	"mojarreria/kiosk/internal/domain"
	"mojarreria/kiosk/internal/httpapi"
	"mojarreria/kiosk/internal/kv"
	"mojarreria/kiosk/internal/operatorcache"
	"mojarreria/kiosk/internal/report"
	"mojarreria/kiosk/internal/scheduler"
	"mojarreria/kiosk/internal/service"
	"mojarreria/kiosk/internal/syncer"
)

// newDisplayDimmer returns the dim hook for this host. Brightness control
// is platform-specific; the default build only records transitions.
func newDisplayDimmer() service.DimFunc {
	var dimmed bool
	return func(dim bool) {
		if dim == dimmed {
			return
		}
		dimmed = dim
		log.Printf("[display] dim=%t", dim)
	}
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reporter := report.NewLoggerWith(zerolog.New(os.Stderr).With().Timestamp().Str("component", "kiosk").Logger())

	var kvStore kv.Store
	closers := make([]func() error, 0, 2)

	switch {
	case cfg.DatabaseURL != "":
		pg, err := kv.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		kvStore = pg
		closers = append(closers, pg.Close)
		log.Println("kv: postgres")
	case cfg.RedisAddr != "":
		redisStore := kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisStore.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-memory store", err)
			kvStore = kv.NewMemory()
		} else {
			kvStore = redisStore
			closers = append(closers, redisStore.Close)
			log.Println("kv: redis")
		}
	default:
		kvStore = kv.NewMemory()
		log.Println("kv: in-memory")
	}

	catalog := domain.DefaultCatalog()

	closes, err := closestore.Open(ctx, kvStore, catalog, closestore.Options{
		Clean:      cfg.CleanStorage,
		Seed:       cfg.SeedData,
		Production: cfg.Production(),
		SeedCloses: cfg.SeedCloses,
		SeedBy: closestore.SeedIdentity{
			UserID: cfg.BootstrapUserID,
			Name:   cfg.BootstrapName,
			Phone:  cfg.BootstrapPhone,
		},
	})
	if err != nil {
		log.Fatalf("close store: %v", err)
	}

	operators := operatorcache.New(kvStore, domain.CachedOperator{
		UserID: cfg.BootstrapUserID,
		Name:   cfg.BootstrapName,
		Phone:  cfg.BootstrapPhone,
		PIN:    cfg.BootstrapPIN,
	}, nil)
	clock := clockstore.New(kvStore, nil)

	client := backend.New(cfg.APIURL, cfg.NetworkTimeout)
	engine := syncer.New(syncer.StoreSource{Store: closes}, client, reporter, cfg.DeviceID, nil)

	svc := service.New(service.Options{
		Closes:     closes,
		Operators:  operators,
		Clock:      clock,
		Validator:  client,
		Engine:     engine,
		Reporter:   reporter,
		Catalog:    catalog,
		Thresholds: cfg.Thresholds,
		KeepAwake:  cfg.KeepAwake,
		Dimmer:     newDisplayDimmer(),
	})

	sched := scheduler.New(cfg.SyncInterval, reporter)
	sched.AddTask(scheduler.Task{Name: "syncDailyCloses", Run: func(ctx context.Context) error {
		if _, ran := svc.SyncIfNeeded(ctx); ran {
			log.Printf("[scheduler] daily close sync pass finished, status=%s", svc.SyncStatus().Status)
		}
		return nil
	}})
	sched.AddTask(scheduler.Task{Name: "syncOperators", Run: func(ctx context.Context) error {
		_, err := svc.SyncOperators(ctx)
		return err
	}})
	sched.AddTask(scheduler.Task{Name: "dimScreen", Run: func(context.Context) error {
		svc.ApplyDisplayPolicy()
		return nil
	}})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sched.Start(runCtx)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, nil)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.SupportPasswordHash)

	server := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("kiosk agent listening on :%s (device=%s env=%s)", cfg.Port, cfg.DeviceID, cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-runCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("kiosk agent stopped")
}
