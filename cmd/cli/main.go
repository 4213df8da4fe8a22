package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacksift/stacksift/config"
	"github.com/stacksift/stacksift/internal/capture"
	"github.com/stacksift/stacksift/internal/logging"
	"github.com/stacksift/stacksift/internal/setup"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "cli"
	shutdownTimeout  = 30 * time.Second
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &application{logger: logger, levelVar: &levelVar}
	root := app.newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type application struct {
	logger     *slog.Logger
	levelVar   *slog.LevelVar
	configPath string
}

func (a *application) newRootCommand() *cobra.Command {
	setup.SetLogger(a.logger)

	var (
		logLevel  = defaultLogLevel
		logFormat = defaultLogFormat
	)

	root := &cobra.Command{
		Use:           "stacksift",
		Short:         "Crash report collection and upload for Go applications",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to the YAML settings file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Log output format (cli, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)

		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.logger = logging.New(mode, os.Stderr, a.levelVar)
		slog.SetDefault(a.logger)
		setup.SetLogger(a.logger)
		return nil
	}

	root.AddCommand(
		a.newRunCommand(),
		a.newSweepCommand(),
		a.newInspectCommand(),
		a.newPurgeCommand(),
		a.newConfigCommand(),
		a.newReceiverCommand(),
		a.newCrashCommand(),
	)
	return root
}

func (a *application) loadClient(cmdLogger *slog.Logger) (*config.Client, error) {
	settings, err := config.Load(a.configPath)
	if err != nil {
		cmdLogger.Error("loading settings failed", "error", err)
		return nil, err
	}
	client, err := config.New(settings, a.logger)
	if err != nil {
		cmdLogger.Error("initializing client failed", "error", err)
		return nil, err
	}
	return client, nil
}

func closeClient(cmdLogger *slog.Logger, client *config.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		cmdLogger.Warn("shutdown incomplete", "error", err)
	}
}

func (a *application) newRunCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep pending reports, arm capture and keep uploading until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "run")

			client, err := a.loadClient(cmdLogger)
			if err != nil {
				return err
			}
			defer closeClient(cmdLogger, client)

			ctx := cmd.Context()
			if err := client.Start(ctx); err != nil {
				cmdLogger.Error("start failed", "error", err)
				return err
			}
			cmdLogger.Info("reporter running",
				"report_dir", client.Settings.ReportDir,
				"background_uploads", client.UsingBackgroundUploads(),
			)

			g, ctx := errgroup.WithContext(ctx)
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", client.Metrics.Handler())
				serve(ctx, g, cmdLogger, &http.Server{Addr: metricsAddr, Handler: mux})
			}
			g.Go(func() error {
				<-ctx.Done()
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}

			cmdLogger.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func (a *application) newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Process pending reports once and wait for their uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "sweep")

			client, err := a.loadClient(cmdLogger)
			if err != nil {
				return err
			}
			defer closeClient(cmdLogger, client)

			if err := client.Sweep(cmd.Context()); err != nil {
				cmdLogger.Error("sweep failed", "error", err)
				return err
			}
			cmdLogger.Info("sweep completed", "report_dir", client.Settings.ReportDir)
			return nil
		},
	}
}

func (a *application) newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Show how report files would be identified and classified",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				inspection := config.Inspect(path)
				verdict := "noise"
				if inspection.Interesting {
					verdict = "interesting"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", path, inspection.ReportID, inspection.MIMEType, verdict)
			}
			return nil
		},
	}
}

func (a *application) newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete all pending reports without uploading them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "purge")

			client, err := a.loadClient(cmdLogger)
			if err != nil {
				return err
			}
			defer closeClient(cmdLogger, client)

			if err := client.Purge(); err != nil {
				cmdLogger.Error("purge failed", "error", err)
				return fmt.Errorf("purge report directory: %w", err)
			}
			cmdLogger.Info("report directory purged")
			return nil
		},
	}
}

func (a *application) newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			data, err := settings.Redacted().Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func (a *application) newReceiverCommand() *cobra.Command {
	var (
		listenAddr string
		dir        string
		apiKeys    []string
	)

	cmd := &cobra.Command{
		Use:   "receiver",
		Short: "Run a development endpoint that accepts and stores uploaded reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "receiver", "listen", listenAddr, "dir", dir)

			server, err := config.NewReceiver(dir, apiKeys, a.logger)
			if err != nil {
				cmdLogger.Error("receiver initialization failed", "error", err)
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			serve(ctx, g, cmdLogger, &http.Server{Addr: listenAddr, Handler: server.Handler()})
			cmdLogger.Info("receiver listening")
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	cmd.Flags().StringVar(&dir, "dir", "received", "Directory to store received reports")
	cmd.Flags().StringArrayVar(&apiKeys, "api-key", nil, "Accepted API key; repeat to allow several (default: any)")
	return cmd
}

func (a *application) newCrashCommand() *cobra.Command {
	var useSignal bool

	cmd := &cobra.Command{
		Use:   "crash",
		Short: "Arm capture and terminate the process to produce a test report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "crash", "signal", useSignal)

			client, err := a.loadClient(cmdLogger)
			if err != nil {
				return err
			}
			if err := client.Start(cmd.Context()); err != nil {
				return err
			}

			cmdLogger.Warn("terminating process", "report_id", client.Capture.Identifier())
			if useSignal {
				if err := capture.TriggerSignal(); err != nil {
					return err
				}
				time.Sleep(5 * time.Second)
				return errors.New("process survived the fatal signal")
			}

			go func() {
				defer client.Capture.Recover()
				capture.TriggerCrash()
			}()
			select {}
		},
	}

	cmd.Flags().BoolVar(&useSignal, "signal", false, "Raise SIGABRT instead of panicking")
	return cmd
}

// serve runs srv on g until ctx is done.
func serve(ctx context.Context, g *errgroup.Group, logger *slog.Logger, srv *http.Server) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "addr", srv.Addr, "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
