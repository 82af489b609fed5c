// Package main — cmd/p2p-agent/main.go
//
// p2p-agent node entrypoint.
//
// Startup sequence (spec.md §4.2):
//  1. Parse flags / subcommand.
//  2. Load and validate config from <config_dir>/config/node.yaml.
//  3. Initialise structured logger (zap).
//  4. Compose the Node Runtime Core (internal/agent.New): Identity ->
//     EventBus -> Storage -> Network -> Discovery -> Reputation ->
//     TaskEngine -> Observability.
//  5. Start the node (listener, diversity audits, discovery bootstrap,
//     control-plane socket, dispatch/resource/health loops).
//  6. Register SIGHUP handler for config hot-reload.
//  7. Block on SIGINT/SIGTERM, or the control socket's "stop" command, for
//     graceful shutdown.
//
// Shutdown sequence:
//  1. Cancel root context.
//  2. Drain in-flight locally-executing tasks (grace period, then force
//     cancel).
//  3. Close discovery, reputation, storage.
//  4. Remove PID file.
//  5. Flush logger, exit 0.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/internal/agent"
	"github.com/p2p-ai-agents/node/internal/config"
	"github.com/p2p-ai-agents/node/internal/control"
	"github.com/p2p-ai-agents/node/internal/lifecycle"
	"github.com/p2p-ai-agents/node/internal/observability"
)

const shutdownGrace = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "stop":
		runControlCommand(os.Args[2:], control.Request{Cmd: "stop"})
	case "status":
		runControlCommand(os.Args[2:], control.Request{Cmd: "status"})
	case "submit":
		runSubmit(os.Args[2:])
	case "-version", "--version", "version":
		fmt.Println(config.Version, config.GitCommit, config.BuildTime)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: p2p-agent <start|stop|status|submit> [flags]")
}

func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	defaultConfigPath := "/etc/p2p-agent/config/node.yaml"
	if dir := os.Getenv("P2P_CONFIG_DIR"); dir != "" {
		defaultConfigPath = filepath.Join(dir, "config", "node.yaml")
	}
	configPath := fs.String("config", defaultConfigPath, "path to node.yaml")
	pidFile := fs.String("pid-file", "", "write PID to this path")
	_ = fs.Bool("daemon", false, "placeholder: daemonisation is left to the process supervisor")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "p2p-agent: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "p2p-agent: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *pidFile != "" {
		if err := lifecycle.WritePIDFile(*pidFile); err != nil {
			log.Fatal("pid file", zap.Error(err))
		}
		defer lifecycle.RemovePIDFile(*pidFile)
	}

	node, err := agent.New(cfg, log)
	if err != nil {
		log.Fatal("node composition failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		log.Fatal("node start failed", zap.Error(err))
	}

	go func() {
		if err := node.ServeMetrics(ctx); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				handleReload(log, *configPath, cfg)
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("shutdown signal received", zap.String("signal", sig.String()))
				shutdown(node, log, cancel)
				return
			}
		case <-node.StopRequested():
			log.Info("stop requested via control socket")
			shutdown(node, log, cancel)
			return
		}
	}
}

func handleReload(log *zap.Logger, configPath string, cfg *config.Config) {
	next, err := config.Reload(configPath)
	if err != nil {
		log.Error("hot-reload: invalid config, keeping previous", zap.Error(err))
		return
	}
	if next.Network.ListenAddr != cfg.Network.ListenAddr ||
		next.Storage.Backend != cfg.Storage.Backend ||
		next.Storage.DBPath != cfg.Storage.DBPath {
		log.Warn("hot-reload: listen address, storage backend and DB path changes require a restart; ignored")
	}
	config.ApplyNonDestructive(cfg, next)
	log.Info("hot-reload applied")
}

func shutdown(node *agent.Node, log *zap.Logger, cancel context.CancelFunc) {
	ctx, done := context.WithTimeout(context.Background(), shutdownGrace+time.Second)
	defer done()
	if err := node.Shutdown(ctx, shutdownGrace); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	cancel()
}

func runControlCommand(args []string, req control.Request) {
	fs := flag.NewFlagSet(req.Cmd, flag.ExitOnError)
	socketPath := fs.String("socket", "/etc/p2p-agent/p2p-agent.sock", "control socket path")
	fs.Parse(args)

	client := control.NewClient(*socketPath)
	resp, err := client.Call(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "p2p-agent: %v\n", err)
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "p2p-agent: %s\n", resp.Error)
		os.Exit(1)
	}

	switch req.Cmd {
	case "status":
		fmt.Printf("peer_id=%s state=%s peers_known=%d uptime=%s\n", resp.PeerID, resp.State, resp.PeersKnown, resp.Uptime)
	case "submit":
		fmt.Println(resp.TaskID)
	default:
		fmt.Println("ok")
	}
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	socketPath := fs.String("socket", "/etc/p2p-agent/p2p-agent.sock", "control socket path")
	taskType := fs.String("type", "", "task type")
	inputFile := fs.String("input", "", "path to input file")
	priority := fs.String("priority", "normal", "low|normal|high|critical")
	timeoutMS := fs.Int64("timeout", 30000, "timeout in milliseconds")
	fs.Parse(args)

	if *taskType == "" {
		fmt.Fprintln(os.Stderr, "p2p-agent submit: --type is required")
		os.Exit(2)
	}

	var input []byte
	if *inputFile != "" {
		data, err := os.ReadFile(*inputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "p2p-agent submit: read input: %v\n", err)
			os.Exit(1)
		}
		input = data
	}

	req := control.Request{
		Cmd:       "submit",
		TaskType:  *taskType,
		Input:     encodeBase64(input),
		Priority:  *priority,
		TimeoutMS: *timeoutMS,
	}
	runControlCommand([]string{"-socket", *socketPath}, req)
}

func encodeBase64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}
