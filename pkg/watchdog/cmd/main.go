package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heisenworks/applyos/pkg/watchdog"
)

func main() {
	port := flag.Int("port", 8080, "HTTP port to listen on")
	socketPath := flag.String("socket", "", "Unix socket path (if set, overrides TCP)")
	probeURL := flag.String("probe", "http://127.0.0.1:9222/json/version", "browser liveness endpoint")
	flag.Parse()

	cfg := watchdog.Config{
		Port:       *port,
		SocketPath: *socketPath,
		ProbeURL:   *probeURL,
	}

	server := watchdog.NewServer(cfg)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
	log.Println("Watchdog stopped")
}
