package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/flitlink/flit/internal/config"
	"github.com/flitlink/flit/internal/logging"
	"github.com/flitlink/flit/pkg/agent"
	"github.com/flitlink/flit/pkg/session"
	"github.com/flitlink/flit/pkg/storage"
)

var (
	labelStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var configPath string
	root := &cobra.Command{
		Use:   "flit",
		Short: "Send files to nearby peers, with HTTP storage as a fallback",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: user config dir)")

	root.AddCommand(
		newSendCmd(&configPath),
		newRecvCmd(&configPath),
		newServeCmd(&configPath),
		newCleanupCmd(&configPath),
		newStatsCmd(&configPath),
		newConfigCmd(&configPath),
	)

	if err := fang.Execute(ctx, root); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and builds the logger and agent every command
// shares.
func setup(configPath string) (config.Config, *agent.Agent, *slog.Logger, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return config.Config{}, nil, nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	log := logging.New(cfg.Log)
	a, err := agent.New(cfg, log)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, a, log, nil
}

func newSendCmd(configPath *string) *cobra.Command {
	var forceFallback bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <file> <peer>",
		Short: "Send a file to a peer by address or discovered name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, a, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.P2P.SessionTimeoutMS = int(timeout / time.Millisecond)
				if a, err = agent.New(cfg, logging.New(cfg.Log)); err != nil {
					return err
				}
			}

			target := args[1]
			if !strings.Contains(target, ":") {
				discoverCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				addr, err := a.DiscoverPeer(discoverCtx, target)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", labelStyle.Render("Discovered:"), addr)
				target = addr
			}

			result, err := a.Send(cmd.Context(), args[0], target, forceFallback)
			if err != nil {
				return err
			}
			printSendResult(result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceFallback, "force-fallback", false, "skip the direct attempt and upload to fallback storage")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall session timeout (default from config)")
	return cmd
}

func printSendResult(result *agent.SendResult) {
	switch result.Outcome {
	case session.OutcomeCompleted:
		fmt.Println(successStyle.Render("Delivered directly."))
		fmt.Printf("%s %d acked, %d resends\n", labelStyle.Render("Chunks:"), result.Acked, result.Resends)
	case session.OutcomeFallback:
		fmt.Println(warnStyle.Render("Delivered via fallback storage."))
		fmt.Printf("%s %s\n", labelStyle.Render("Share this link:"), result.Locator)
		fmt.Printf("%s %s\n", labelStyle.Render("Expires:"), result.Expiry.Local().Format(time.RFC1123))
	}
}

func newRecvCmd(configPath *string) *cobra.Command {
	var name, outDir string

	cmd := &cobra.Command{
		Use:   "recv [locator]",
		Short: "Receive a file: listen for direct transfers, or fetch a fallback link",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, a, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			if outDir != "" {
				cfg.Receive.OutputDir = outDir
				if a, err = agent.New(cfg, logging.New(cfg.Log)); err != nil {
					return err
				}
			}

			if len(args) == 1 {
				path, err := a.Fetch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", successStyle.Render("Received:"), path)
				return nil
			}

			if name == "" {
				host, err := os.Hostname()
				if err != nil {
					host = "flit"
				}
				name = host
			}
			ln, err := a.NewListener(name)
			if err != nil {
				return err
			}
			defer ln.Close()

			fmt.Printf("%s %s (announced as %q)\n", labelStyle.Render("Listening on:"), ln.Addr(), name)
			result, err := ln.ReceiveOne(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%d bytes)\n", successStyle.Render("Received:"), result.Path, result.Manifest.TotalSize)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "mDNS name to announce (default: hostname)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default from config)")
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr, dir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fallback storage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Fallback.StorageDir
			}
			if dir == "" {
				dir = "flit-storage"
			}

			srv, err := storage.NewServer(dir, cfg.Expiry(), log)
			if err != nil {
				return err
			}
			httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

			go func() {
				<-cmd.Context().Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(shutdownCtx)
			}()

			fmt.Printf("%s %s (dir %s)\n", labelStyle.Render("Storage server on:"), addr, dir)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dir, "dir", "", "storage directory (default from config)")
	return cmd
}

func newCleanupCmd(configPath *string) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired files from the fallback store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, a, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			if maxAge == 0 {
				maxAge = cfg.Expiry()
			}
			removed, err := a.CleanupStorage(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("%s %d\n", labelStyle.Render("Removed files:"), removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "remove files older than this (default: configured expiry)")
	return cmd
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fallback store contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, a, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			stats, err := a.StorageStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s %d\n", labelStyle.Render("Files:"), stats.FileCount)
			fmt.Printf("%s %d\n", labelStyle.Render("Bytes:"), stats.TotalBytes)
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			fmt.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Write a config file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", successStyle.Render("Wrote:"), path)
			return nil
		},
	})

	return cmd
}
