package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"workflow-bundles/go-backend/internal/composition/daemonserver"
	"workflow-bundles/go-backend/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("bundle-daemon failed: %v", err)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("bundle-daemon", pflag.ContinueOnError)
	showVersion := flagSet.Bool("version", false, "print version and exit")
	configPath := flagSet.StringP("config", "c", "", "path to bundle-daemon.yaml (optional)")
	rpcAddr := flagSet.String("rpc-addr", "", "JSON-RPC listen address")
	rpcToken := flagSet.String("rpc-token", "", "token for Authorization or X-Bundle-RPC-Token")
	dataDir := flagSet.String("data-dir", "", "directory for the bundle index and archives")
	blobBackend := flagSet.String("blob-backend", "", "archive backend: file | minio")
	compensation := flagSet.String("compensation", "", "deploy failure policy: forward_only | rollback")
	logLevel := flagSet.String("log-level", "", "debug | info | warn | error")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("bundle-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return nil
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		return err
	}
	// Flags override file and environment.
	config.Merge(&cfg, config.Config{
		RPC:      config.RPCConfig{Addr: *rpcAddr, Token: *rpcToken},
		Storage:  config.StorageConfig{DataDir: *dataDir, BlobBackend: *blobBackend},
		Engines:  config.EnginesConfig{Compensation: *compensation},
		LogLevel: *logLevel,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := daemonserver.NewRPCServer(ctx, cfg, os.Stdout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	log.Println("bundle-daemon starting")
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Println("bundle-daemon stopped")
	return nil
}
