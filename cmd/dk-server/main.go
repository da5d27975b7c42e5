// Package main runs the DK server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Diogokranzz/HTTP-2/internal/logging"
	"github.com/Diogokranzz/HTTP-2/pkg/dk"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		addr       = flag.String("addr", "", "listen address for TCP and UDP")
		backend    = flag.String("backend", "", `reactor backend: "gnet" or "port"`)
		certFile   = flag.String("cert", "", "TLS certificate file (PEM)")
		keyFile    = flag.String("key", "", "TLS private key file (PEM)")
		metrics    = flag.String("metrics", "", "Prometheus endpoint address")
		logLevel   = flag.String("log-level", "", "log level")
		noQUIC     = flag.Bool("no-quic", false, "do not open the UDP listener")
	)
	flag.Parse()

	config := dk.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = dk.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	// Flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			config.Addr = *addr
		case "backend":
			config.Backend = *backend
		case "cert":
			config.CertFile = *certFile
		case "key":
			config.KeyFile = *keyFile
		case "metrics":
			config.MetricsAddr = *metrics
		case "log-level":
			config.Log.Level = *logLevel
		case "no-quic":
			config.EnableQUIC = !*noQUIC
		}
	})

	logger, err := logging.New(config.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	config.Logger = logger

	server, err := dk.New(config)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
