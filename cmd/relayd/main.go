package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/anonchat/anonchat/internal/relay"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":7420", "listen address")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := relay.NewServer(logger)
	logger.Info("relay listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, srv.Handler()); err != nil {
		logger.Fatal("relay server error", zap.Error(err))
	}
}
