package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entanglement-sync/core/internal/clientsync"
	"github.com/entanglement-sync/core/internal/config"
	"github.com/entanglement-sync/core/internal/ignore"
	"github.com/entanglement-sync/core/internal/localstore"
	"github.com/entanglement-sync/core/internal/observability"
	"github.com/entanglement-sync/core/internal/restclient"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "entangled-client",
		Short: "Sync a local directory against an entangled-server instance",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to a JSON config file")

	rootCmd.AddCommand(
		newSetupCmd(&configPath),
		newStartCmd(&configPath),
		newStopCmd(&configPath),
		newStatusCmd(&configPath),
		newLsCmd(&configPath),
		newHistoryCmd(&configPath),
		newLogoutCmd(&configPath),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".entangled-client.json"
	}
	return filepath.Join(home, ".entangled-client.json")
}

func pidFilePath(configPath string) string {
	return configPath + ".pid"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// newSetupCmd interactively writes the client config file.
func newSetupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively configure the sync client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultClientConfig()
			reader := bufio.NewReader(os.Stdin)

			cfg.ServerAddress = prompt(reader, "Server address", cfg.ServerAddress)
			cfg.SyncRoot = prompt(reader, "Directory to sync", cfg.SyncRoot)
			cfg.StateDBPath = prompt(reader, "Local state database path", cfg.StateDBPath)

			b, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(*configPath, b, 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote configuration to %s\n", *configPath)
			return nil
		},
	}
}

func prompt(reader *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	line, _ := reader.ReadString('\n')
	line = trimNewline(line)
	if line == "" {
		return def
	}
	return line
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func newStartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start syncing the configured directory (foreground)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			pidPath := pidFilePath(*configPath)
			if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
				return fmt.Errorf("write pid file: %w", err)
			}
			defer os.Remove(pidPath)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runSync(ctx, cfg)
		},
	}
}

func runSync(ctx context.Context, cfg config.ClientConfig) error {
	logger := observability.NewLogger("entangled-client", version, os.Stdout)

	state, err := localstore.Open(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("open local state: %w", err)
	}
	defer state.Close()

	ignoreMatcher, err := ignore.Load(cfg.SyncRoot)
	if err != nil {
		return fmt.Errorf("load ignore patterns: %w", err)
	}

	client := restclient.New(cfg.ServerAddress)
	engineCfg := clientsync.Config{
		Root:             cfg.SyncRoot,
		DebounceWindow:   cfg.DebounceWindow,
		PollInterval:     cfg.PollInterval,
		RetryBackoffBase: cfg.RetryBackoffBase,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
	}
	engine := clientsync.NewEngine(engineCfg, client, state, ignoreMatcher, logger)

	logger.Info("starting sync engine against " + cfg.ServerAddress)
	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("sync engine stopped: %w", err)
	}
	logger.Info("sync engine stopped cleanly")
	return nil
}

func newStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running sync client",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := pidFilePath(*configPath)
			b, err := os.ReadFile(pidPath)
			if err != nil {
				return fmt.Errorf("no running client found (%s): %w", pidPath, err)
			}
			pid, err := strconv.Atoi(trimNewline(string(b)))
			if err != nil {
				return fmt.Errorf("parse pid file: %w", err)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal process %d: %w", pid, err)
			}
			fmt.Printf("sent SIGTERM to pid %d\n", pid)
			return nil
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the sync client is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := pidFilePath(*configPath)
			b, err := os.ReadFile(pidPath)
			if err != nil {
				fmt.Println("not running")
				return nil
			}
			pid, err := strconv.Atoi(trimNewline(string(b)))
			if err != nil {
				return fmt.Errorf("parse pid file: %w", err)
			}
			proc, err := os.FindProcess(pid)
			if err != nil || proc.Signal(syscall.Signal(0)) != nil {
				fmt.Println("not running (stale pid file)")
				return nil
			}
			fmt.Printf("running (pid %d)\n", pid)
			return nil
		},
	}
}

func newLsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List files and directories under prefix (default: /)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := "/"
			if len(args) == 1 {
				prefix = args[0]
			}
			cfg, err := config.LoadClientConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client := restclient.New(cfg.ServerAddress)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			entries, err := client.ListDirectory(ctx, prefix)
			if err != nil {
				return err
			}
			for _, e := range entries {
				kind := "file"
				if e.IsDirectory {
					kind = "dir"
				}
				fmt.Printf("%-4s %-40s %s\n", kind, e.Path, e.UpdatedAt)
			}
			return nil
		},
	}
}

func newHistoryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history <path>",
		Short: "List version history for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client := restclient.New(cfg.ServerAddress)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			versions, err := client.History(ctx, args[0])
			if err != nil {
				return err
			}
			for _, v := range versions {
				fmt.Printf("%s  %10d bytes  tier=%d  %s\n", v.ID, v.SizeBytes, v.TierID, v.CreatedAt)
			}
			return nil
		},
	}
}

func newLogoutCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the configured server and local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := os.Remove(cfg.StateDBPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove local state: %w", err)
			}
			if err := os.Remove(*configPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove config: %w", err)
			}
			fmt.Println("logged out")
			return nil
		},
	}
}
