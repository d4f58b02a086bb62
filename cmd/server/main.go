package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tillpos/backend/internal/cache"
	"tillpos/backend/internal/cart"
	"tillpos/backend/internal/catalog"
	"tillpos/backend/internal/config"
	"tillpos/backend/internal/httpapi"
	"tillpos/backend/internal/service"
	"tillpos/backend/internal/store"
	"tillpos/backend/internal/store/memory"
	pgstore "tillpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var catalogStore store.CatalogStore
	var ledgerStore store.LedgerStore
	var userStore store.UserStore
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		catalogStore = pg
		ledgerStore = pg
		userStore = pg
		closers = append(closers, pg.Close)
		log.Println("stores: postgres")
	} else {
		mem := memory.NewSeeded()
		catalogStore = mem
		ledgerStore = mem
		userStore = mem
		log.Println("stores: in-memory")
	}

	invoiceCache := cache.InvoiceCache(cache.NoopInvoiceCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisInvoiceCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			invoiceCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("invoice cache: redis")
		}
	} else {
		log.Println("invoice cache: noop")
	}

	mirror := catalog.NewMirror(catalogStore)
	if err := mirror.Load(ctx); err != nil {
		log.Fatalf("initial catalog load failed: %v", err)
	}

	svc := service.New(catalogStore, ledgerStore, mirror, invoiceCache, time.Duration(cfg.InvoiceCacheTTLSeconds)*time.Second)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, userStore)
	carts := cart.NewRegistry(mirror)
	api := httpapi.New(svc, auth, carts, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

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

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
