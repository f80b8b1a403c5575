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

	"helix/api/internal/app"
	"helix/api/internal/config"
	"helix/api/internal/export"
	"helix/api/internal/queue"
	"helix/api/internal/replica"
	"helix/api/internal/search"
	"helix/api/internal/store"
	"helix/api/internal/transport"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var archive *store.PostgresStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		archive = store.NewPostgresStore(db)
	} else {
		log.Printf("DATABASE_URL not set; rooms live in memory only")
	}

	// Offline queue durability: Redis when configured, in-process otherwise.
	var kv queue.KV
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisKV, err := queue.NewRedisKV(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisKV.Close()
		kv = redisKV
		log.Printf("queue: pending events persist in Redis")
	} else {
		kv = queue.NewMemoryKV()
		log.Printf("queue: pending events held in memory")
	}
	offline := queue.New(kv)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient)

	var uploader export.Uploader
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioUploader, err := export.NewMinioUploader(ctx, cfg.MinioEndpoint,
			cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		uploader = minioUploader
	}

	var relayTransport replica.Transport
	var relay *transport.Relay
	if strings.TrimSpace(cfg.RelayURL) != "" {
		var err error
		relay, err = transport.DialRelay(ctx, cfg.RelayURL)
		if err != nil {
			log.Printf("sync: relay unreachable, starting offline: %v", err)
		} else {
			relayTransport = relay
			defer relay.Close()
		}
	}

	var service *app.Service
	if archive != nil {
		service = app.NewService(cfg, archive, searchService, uploader, relayTransport, offline)
	} else {
		service = app.NewService(cfg, nil, searchService, uploader, relayTransport, offline)
	}
	defer service.Close()

	if relay != nil {
		go func() {
			for ev := range relay.Inbound() {
				if _, err := service.DispatchRemote(context.Background(), ev); err != nil {
					log.Printf("sync: dispatch %s for %s: %v", ev.Kind, ev.RoomID, err)
				}
			}
			log.Printf("sync: relay stream closed")
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Helix API listening on %s (replica %s)", cfg.Addr, service.ReplicaID())
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
