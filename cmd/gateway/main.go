package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"valet/internal/config"
	"valet/internal/datadir"
	"valet/internal/server"
	"valet/internal/version"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	port    int
)

var rootCmd = &cobra.Command{
	Use:   "valet",
	Short: "Valet Gateway Hub - device connectivity for the assistant platform",
	Long: `Valet Gateway Hub terminates persistent device connections for the
assistant platform: device registration, session tokens, presence,
and tool-call dispatch across gateway instances.`,
	Version: version.Full(),
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Valet Gateway Hub %s\n", version.Full())
		info := version.GetBuildInfo()
		if info.GitCommit != "unknown" {
			fmt.Printf("Git commit: %s\n", info.GitCommit)
		}
		if info.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", info.BuildDate)
		}
		fmt.Printf("Go version: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	cobra.OnInitialize(func() {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	serverCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)

	// Bare invocation runs the server.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	}
}

func runServer() error {
	// Load .env files before the config so ${VAR} references expand.
	if root, err := datadir.Resolve(""); err != nil {
		log.Printf("WARNING: Could not resolve data directory: %v", err)
	} else if err := datadir.LoadEnv(root); err != nil {
		log.Printf("WARNING: Failed to load .env files: %v", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != 0 {
		cfg.Port = port
	}

	// Relative database paths live under the data directory, which the
	// config's data_dir field can relocate (VALET_DATA_DIR still wins).
	if !filepath.IsAbs(cfg.Database.Path) {
		dbPath, err := datadir.FilePath(cfg.DataDir, cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to resolve database path: %w", err)
		}
		cfg.Database.Path = dbPath
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}

	log.Println("Gateway stopped gracefully")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
