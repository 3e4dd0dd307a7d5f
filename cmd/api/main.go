package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"huddle/internal/app"
	"huddle/internal/cache"
	"huddle/internal/config"
	"huddle/internal/email"
	"huddle/internal/room"
	"huddle/internal/search"
	"huddle/internal/store"
	"huddle/internal/summarizer"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	snapshots, err := cache.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer snapshots.Close()

	bus, err := room.NewRedisBus(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis bus connection failed: %v", err)
	}

	// The hub owns the bus from here; closing the hub closes the bus.
	hub := room.NewHub(bus)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go func() {
		if err := hub.Run(hubCtx); err != nil && hubCtx.Err() == nil {
			log.Fatalf("room hub failed: %v", err)
		}
	}()
	defer hub.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	summarizerClient := summarizer.NewClient(cfg.SummarizerURL, cfg.SummarizerToken)
	if !summarizerClient.IsConfigured() {
		log.Printf("summarizer not configured, summaries disabled")
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Printf("smtp not configured, summary mail disabled")
	}

	service := app.NewService(dataStore, snapshots, hub, summarizerClient, searchService, mailer, app.Options{
		TokenSecret:  []byte(cfg.TokenSecret),
		TokenTTL:     cfg.RoomTokenTTL,
		SettleDelay:  cfg.SettleDelay,
		PollInterval: cfg.PollInterval,
	})
	defer service.CloseSessions()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: the room event stream holds its response open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Huddle API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
