package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/admin"
	"github.com/10yihang/snapnode/internal/config"
	"github.com/10yihang/snapnode/internal/logging"
	"github.com/10yihang/snapnode/internal/node"
)

var (
	// CLI flags
	cliMode = flag.Bool("cli", false, "run in CLI mode against an operator console")
	cliHost = flag.String("h", "127.0.0.1", "console host (CLI mode)")
	cliPort = flag.Int("p", 3383, "console port (CLI mode)")
)

func main() {
	overrides := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if *cliMode {
		os.Exit(runCLI(*cliHost, *cliPort, flag.Args()))
	}

	cfg, err := config.Load(overrides.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	overrides.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to build node", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		logger.Error("Node stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Shutting down")
}

func runCLI(host string, port int, args []string) int {
	if len(args) == 0 {
		fmt.Println("Usage: snapnode -cli -h <host> -p <port> <command> [args...]")
		fmt.Println("Commands: PING, INFO, SHARDS, SYNC <shard>, PEERS, ACCOUNT <fid>, SUBMIT <json>,")
		fmt.Println("          INGEST <json>, ADVANCE <chain> <block>, ROLLBACK <chain> <block>")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", host, port)
	c, err := admin.Dial(ctx, addr)
	if err != nil {
		fmt.Printf("Error connecting to %s: %v\n", addr, err)
		return 1
	}
	defer c.Close()

	resp, err := c.Do(ctx, args...)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return 1
	}
	fmt.Println(admin.Format(resp))
	return 0
}
