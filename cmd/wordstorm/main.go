// Package main is the wordstorm command-line front end: it supervises the
// completion engine and serves interactive prefix lookups over stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dshills/wordstorm/internal/config"
	"github.com/dshills/wordstorm/internal/engine"
	"github.com/dshills/wordstorm/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

type options struct {
	configPath string
	dataDir    string
	binary     string
	debug      bool
	version    bool
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", defaultConfigPath(), "path to configuration file")
	flag.StringVar(&opts.dataDir, "data", "", "engine dictionary directory (overrides config)")
	flag.StringVar(&opts.binary, "bin", "", "engine binary (overrides config)")
	flag.BoolVar(&opts.debug, "debug", false, "enable debug logging and engine verbosity")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "wordstorm.toml"
	}
	return home + "/.config/wordstorm/wordstorm.toml"
}

func run() int {
	opts := parseFlags()

	if opts.version {
		fmt.Printf("wordstorm %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if opts.dataDir != "" {
		cfg.Engine.DataDir = opts.dataDir
	}
	if opts.binary != "" {
		cfg.Engine.Command = opts.binary
	}
	if opts.debug {
		cfg.Engine.Debug = true
		cfg.Log.Level = "debug"
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Output: os.Stderr,
		Prefix: "wordstorm",
	})

	client := engine.NewClient(clientConfig(cfg, log))
	defer client.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
		client.Cleanup()
		os.Exit(0)
	}()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	ready, err := client.Initialize(initCtx)
	initCancel()
	if err != nil || !ready {
		fmt.Fprintf(os.Stderr, "Error: engine failed to start: %v\n", err)
		return 1
	}

	// Pick up log-level and respawn tuning edits without a restart.
	watcher := config.NewWatcher(opts.configPath, func(next config.Config) {
		log.Info("configuration reloaded")
		client.SetLogLevel(logging.ParseLevel(next.Log.Level))
	})
	watcher.Start(ctx)
	defer watcher.Stop()

	return repl(ctx, client)
}

// clientConfig maps file configuration onto the engine client's knobs.
func clientConfig(cfg config.Config, log *logging.Logger) engine.ClientConfig {
	cc := engine.DefaultClientConfig()
	cc.Logger = log
	cc.LookupTimeout = cfg.LookupTimeout()
	cc.ControlTimeout = cfg.ControlTimeout()

	cc.Supervisor.Command = cfg.Engine.Command
	cc.Supervisor.DataDir = cfg.Engine.DataDir
	cc.Supervisor.Debug = cfg.Engine.Debug
	cc.Supervisor.MaxRestarts = cfg.Restart.MaxAttempts
	cc.Supervisor.InitialBackoff = time.Duration(cfg.Restart.InitialBackoffMs) * time.Millisecond
	cc.Supervisor.MaxBackoff = time.Duration(cfg.Restart.MaxBackoffMs) * time.Millisecond
	cc.Supervisor.ReadyTimeout = cfg.ReadyTimeout()

	cc.Respawn.Enabled = cfg.Respawn.Enabled
	cc.Respawn.RequestThreshold = cfg.Respawn.RequestThreshold
	cc.Respawn.TimeThreshold = time.Duration(cfg.Respawn.TimeThresholdMin) * time.Minute

	return cc
}

// repl reads prefixes from stdin and prints ranked suggestions. Lines
// starting with ':' are commands.
func repl(ctx context.Context, client *engine.Client) int {
	fmt.Println("wordstorm ready. Type a prefix, or :info, :stats, :restart, :quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ":") {
			if done := command(ctx, client, line); done {
				return 0
			}
			continue
		}

		words := client.GetSuggestions(ctx, line, 10)
		if len(words) == 0 {
			fmt.Println("  (no suggestions)")
			continue
		}
		for _, s := range words {
			fmt.Printf("  %-24s %.2f\n", s.Word, s.Rank)
		}
	}

	return 0
}

// command handles a ':' REPL command; returns true on :quit.
func command(ctx context.Context, client *engine.Client, line string) bool {
	switch line {
	case ":quit", ":q":
		return true
	case ":info":
		info, err := client.DictionaryInfo(ctx)
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			return false
		}
		fmt.Printf("  words=%d size=%dB path=%s\n", info.Words, info.SizeBytes, info.Path)
	case ":stats":
		pending, used := client.BrokerStats()
		st := client.SupervisorStats()
		fmt.Printf("  status=%s engine=%s pid=%d uptime=%s attempts=%d pending=%d used=%d\n",
			client.Status(), st.State, st.PID, st.Uptime.Round(time.Second), st.Attempts, pending, used)
	case ":restart":
		if client.Restart(ctx) {
			fmt.Println("  engine restarted")
		} else {
			fmt.Println("  restart failed")
		}
	default:
		fmt.Printf("  unknown command %s\n", line)
	}
	return false
}
