// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/campuslink/campuslink/internal/app"
	"github.com/campuslink/campuslink/internal/config"
)

var (
	showHelp       = flag.Bool("h", false, "Show help")
	version        = flag.Bool("version", false, "Show version")
	nonInteractive = flag.Bool("no-repl", false, "Disable the interactive prompt")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("CampusLink v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: campuslink run <directory>")
			os.Exit(1)
		}
		runClient(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: campuslink init <directory>")
			os.Exit(1)
		}
		initDir(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "campuslink.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		BaseDir:     absDir,
		CfgPath:     cfgPath,
		Cfg:         cfg,
		Interactive: !*nonInteractive,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func initDir(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "campuslink.json")
	_, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
		fmt.Println("Edit it, add data/credentials.json, then run:")
		fmt.Printf("  campuslink run %s\n", dirArg)
	} else {
		fmt.Printf("Config already exists at %s\n", cfgPath)
	}
}

func showUsage() {
	fmt.Println("CampusLink - campus chat and calling client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  campuslink run <directory>   Run the client")
	fmt.Println("  campuslink init <directory>  Write a default config")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Run the client from the specified directory")
	fmt.Println("        The directory must contain a campuslink.json configuration file")
	fmt.Println("        and the credentials file it points at")
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Create the directory and a default campuslink.json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -no-repl  Disable the interactive prompt")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  campuslink init ./me")
	fmt.Println("  campuslink run ./me")
}

func printBanner(baseDir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println(" CampusLink client")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Directory:   %s\n", baseDir)
	fmt.Printf("Config:      %s\n", cfgPath)
	fmt.Printf("Backend:     %s\n", cfg.Backend.BaseURL)
	fmt.Printf("Signaling:   %s\n", cfg.Signaling.URL)
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println()
}
