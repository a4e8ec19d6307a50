package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/orbit-relay/hub/config"
	"github.com/orbit-relay/hub/hub"
	"github.com/orbit-relay/hub/router"
	"github.com/orbit-relay/hub/store/sqlite"
	"github.com/orbit-relay/hub/wsio"
)

var version = "dev"

func main() {
	port := env("RELAY_PORT", "8080")
	confDir := env("CONF_DIR", "/data/conf")

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	fmt.Printf("orbit-relay %s\n", version)

	if err := os.MkdirAll(confDir, 0o755); err != nil {
		log.Fatalf("conf dir: %v", err)
	}

	cfg, err := config.Load(confDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sqlite.Open(filepath.Join(confDir, "relay.db"))
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	h := hub.New(db, cfg)

	ws := &wsio.Server{Hub: h, Secret: []byte(jwtSecret)}

	srv := &http.Server{
		Addr: ":" + port,
		Handler: router.New(router.Deps{
			Hub:       h,
			WS:        ws,
			Config:    cfg,
			JWTSecret: []byte(jwtSecret),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
