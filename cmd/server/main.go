package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"escrow-market/internal/address"
	"escrow-market/internal/api"
	"escrow-market/internal/config"
	"escrow-market/internal/db"
	"escrow-market/internal/engine"
	"escrow-market/internal/memstore"
	"escrow-market/internal/ws"
)

// backend is a store the engine and the HTTP layer can both use.
type backend interface {
	engine.Store
	api.Store
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	hub := ws.NewHub()
	programID := cfg.ProgramID()
	eng := engine.New(store, address.New(programID), engine.WithPublisher(hub.Publish))
	mgr := engine.NewManager(eng)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Boot(ctx); err != nil {
		log.Fatalf("engine boot: %v", err)
	}

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: api.NewServer(store, mgr, hub, cfg).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[main] listening on %s (program %s, %s store)", srv.Addr, programID, cfg.Store.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[main] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		mgr.Shutdown()
		return err
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Println("[main] stopped")
}

func openStore(cfg *config.Config) (backend, func(), error) {
	if cfg.Store.Kind == config.StoreMemory {
		log.Println("[main] using in-memory store; state is lost on exit")
		return memstore.New(), func() {}, nil
	}

	store, err := db.Open(cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	log.Println("[main] connected to database")

	if err := store.Migrate(cfg.Store.MigrationsDir); err != nil {
		store.Close()
		return nil, nil, err
	}
	log.Println("[main] migrations applied")

	return store, func() { store.Close() }, nil
}
