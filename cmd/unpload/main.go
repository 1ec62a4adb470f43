package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/unpload/unpload/internal/config"
	"github.com/unpload/unpload/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "unpload",
		Short: "UnPload - self-hosted file storage and sharing",
		Long: `UnPload stores user files on a pluggable backend (filesystem, S3 or memory),
enforces per-user quotas, keeps deleted items in a trash for a retention
window and publishes files through slug-based share links.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8080", "Listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("storage-backend", "", "filesystem", "Storage backend (filesystem, s3, memory)")

	rootCmd.AddCommand(
		newRecomputeQuotasCommand(),
		newStorageInfoCommand(),
		newCreateUserCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
		"backend": cfg.Storage.Backend,
	}).Info("Starting UnPload")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("UnPload stopped")
	return nil
}

// withServer opens the database and storage backend for a one-shot command
func withServer(cmd *cobra.Command, fn func(ctx context.Context, srv *server.Server) error) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	srv, err := server.New(ctx, cfg, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer srv.Close()

	return fn(ctx, srv)
}

func newRecomputeQuotasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute-quotas",
		Short: "Rebuild every user's used bytes from the live files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				count, err := srv.Quotas().RecomputeAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recomputed %d quota(s)\n", count)
				return nil
			})
		},
	}
}

func newStorageInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "storage-info",
		Short: "Print the total bytes held by the storage backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				info, err := srv.Usage().Info(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "backend:     %s\n", info.Backend)
				fmt.Fprintf(out, "total usage: %s (%d bytes)\n", humanize.IBytes(uint64(info.TotalUsage)), info.TotalUsage)
				if info.Disk != nil {
					fmt.Fprintf(out, "disk free:   %s of %s\n", humanize.IBytes(info.Disk.Free), humanize.IBytes(info.Disk.Total))
				}
				return nil
			})
		},
	}
}

func newCreateUserCommand() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "create-user <username>",
		Short: "Create a user with the default quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				user, err := srv.Accounts().Create(ctx, args[0], admin)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", user.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant administrator access")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.Auth.EphemeralSecret {
				return fmt.Errorf("auth.jwt_secret must be configured to issue tokens the server will accept")
			}

			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				user, err := srv.Accounts().Get(ctx, args[0])
				if err != nil {
					return err
				}
				token, err := srv.Authenticator().IssueToken(user.ID, user.IsAdmin, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
