// Command linkmesh-relay runs the last-resort relay server: it forwards
// encrypted WireGuard traffic between two peers that could not reach each
// other directly or over NAT traversal, authenticating each by the public
// key in its bearer token.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuuji/linkmesh/internal/relay"
)

func main() {
	listenAddr := flag.String("listen", "0.0.0.0:9798", "listen address")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv := relay.NewServer(logger)

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		srv.Close()
		httpServer.Close()
	}()

	logger.Info("starting linkmesh-relay", "listen", *listenAddr)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("relay server error", "error", err)
		os.Exit(1)
	}
	logger.Info("linkmesh-relay stopped")
}
