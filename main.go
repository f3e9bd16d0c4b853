package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/peercall/internal/app"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/viewer"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	initCfg  = flag.Bool("init", false, "Answer setup questions before starting")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("peercall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(2)
	}

	command := args[0]
	switch command {
	case "peer", "relay":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: peercall %s <directory>\n", command)
			os.Exit(1)
		}
		if err := run(command, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(command, dirArg string) error {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		return fmt.Errorf("invalid directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *initCfg {
		cfg = app.PromptInteractive(os.Stdin, os.Stdout, command, absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	logs := viewer.NewLogBuffer(cfg.Log.BufferLines)
	log := app.NewLogger(cfg.Log, logs)
	if created {
		log.Info().Str("config", cfgPath).Str("identity", cfg.Identity.ID).Msg("created default config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Version: appVersion,
		Log:     log,
		Logs:    logs,
	}
	if command == "relay" {
		return app.RunRelay(ctx, opts)
	}
	return app.RunPeer(ctx, opts)
}

func showUsage() {
	fmt.Println("peercall - one-to-one calls negotiated through a relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peercall peer <directory>    Run a calling peer")
	fmt.Println("  peercall relay <directory>   Run the signaling relay")
	fmt.Println()
	fmt.Println("The directory holds peercall.json; a default one (with a fresh")
	fmt.Println("identity) is written on first start.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -init     Ask for the main settings and save them first")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  peercall relay ./relay")
	fmt.Println("  peercall peer ./peers/alice")
	fmt.Println("  peercall -init peer ./peers/bob")
}
