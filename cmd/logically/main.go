package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/server"
)

func main() {
	var (
		cfgPath string
		watch   bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to the server configuration file (JSON or YAML)")
	flag.BoolVar(&watch, "watch", true, "reload felling settings when the configuration file changes")
	flag.Parse()

	if wrote, err := writeConfigFromEnv(cfgPath); err != nil {
		log.Fatalf("config from environment: %v", err)
	} else if wrote {
		log.Printf("wrote configuration from environment to %s", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("initialise server: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if watch && cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, srv.Reload, func(err error) {
				log.Printf("config reload rejected: %v", err)
			})
			if err != nil {
				log.Printf("config watch stopped: %v", err)
			}
		}()
	}

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}

		// Ensure the process terminates if shutdown stalls.
		time.AfterFunc(10*time.Second, func() {
			log.Printf("forced shutdown after timeout")
			os.Exit(1)
		})
	}()

	return ctx, cancel
}
