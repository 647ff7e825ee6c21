// cookiemonster-server runs the CookieMonster control-plane HTTP API
// (spec.md §4.H) as a standalone local process.
//
// Startup sequence, adapted from the teacher's own main.go (logger,
// config, server, then block for a shutdown signal):
//  1. Initialise the logger.
//  2. Load configuration (JSON file or defaults).
//  3. Start the control-plane server.
//  4. Block until SIGINT/SIGTERM, then exit.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cookiemonster/cookiemonster/internal/config"
	"github.com/cookiemonster/cookiemonster/internal/controlplane"
	"github.com/cookiemonster/cookiemonster/internal/logging"
	"github.com/cookiemonster/cookiemonster/internal/replay"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	bindAddr := flag.String("bind", "", "Override the control-plane bind address (e.g. 127.0.0.1:8787)")
	flag.Parse()

	log := logging.New(logging.LevelInfo)
	log.Info("cookiemonster-server starting up")

	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configFile, err)
			os.Exit(1)
		}
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		cfg = config.DefaultConfig()
		log.Info("using default configuration")
	}
	if *bindAddr != "" {
		cfg.ControlPlaneBindAddr = *bindAddr
	}

	srv := controlplane.New(controlplane.Config{
		BindAddr:    cfg.ControlPlaneBindAddr,
		AllowRemote: cfg.AllowRemote,
		APIToken:    cfg.APIToken,
		Policy:      replay.Policy{},
	}, log)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Infof("control plane starting on %s", cfg.ControlPlaneBindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		log.Errorf("control plane exited: %v", err)
		os.Exit(1)
	case sig := <-sigCh:
		fmt.Println() // newline after ^C
		log.Infof("received signal %s; shutting down", sig)
	}
}
