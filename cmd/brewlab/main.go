package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"brewlab/internal/api"
	"brewlab/internal/app"
	"brewlab/internal/config"
	"brewlab/internal/domain"
	"brewlab/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var (
	version    = "dev"
	configPath string
	cfg        *config.Config
	shutdownFn = func(context.Context) error { return nil }
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "brewlab",
		Short:         "Coffee experiment read model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := telemetry.ConfigureLogging(loaded.Log.Level, loaded.Log.Format); err != nil {
				return err
			}
			shutdownFn, err = telemetry.SetupTracing(cmd.Context(), telemetry.TracingOptions{
				Enabled:     loaded.Tracing.Enabled,
				Endpoint:    loaded.Tracing.Endpoint,
				ServiceName: loaded.Tracing.ServiceName,
				SampleRatio: loaded.Tracing.SampleRatio,
			})
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			cfg = loaded
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return shutdownFn(ctx)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BREWLAB_CONFIG"), "YAML configuration file")

	rootCmd.AddCommand(
		serveCmd(),
		processCmd(),
		publishCmd(),
		initStorageCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version info",
			PersistentPreRunE: func(*cobra.Command, []string) error {
				return nil
			},
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "brewlab %s\n", version)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	var process bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API and the event ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recover())
			e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
				AllowOrigins: []string{"*"},
				AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding},
			}))

			var pub api.Publisher
			stats := map[string]api.StatsFunc{}
			if cfg.Server.Ingress {
				p := a.Publisher()
				pub = p
				stats["publisher"] = func() any { return p.Stats() }
			}
			health := map[string]api.Pinger{
				"redis": a.Cache,
				"index": app.PingFunc(a.PingIndex),
			}
			api.Register(e, a.Query(), pub, health, log.StandardLogger())

			g, gctx := errgroup.WithContext(ctx)
			if process || a.InProcess() {
				if err := a.Provision(ctx); err != nil {
					return err
				}
				proc := a.Processor()
				stats["processor"] = func() any { return proc.Stats() }
				runner := a.Runner(proc)
				g.Go(func() error { return runner.Run(gctx) })
			}
			api.RegisterStats(e, stats)
			g.Go(func() error {
				log.WithField("addr", cfg.Server.Addr()).Info("http server listening")
				if err := e.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return e.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&process, "process", false, "also run the event processor in this process")
	return cmd
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Apply channel events to the index and the counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.InProcess() {
				return errors.New("the memory channel can only be processed by serve")
			}
			if err := a.Provision(ctx); err != nil {
				return err
			}
			proc := a.Processor()
			err = a.Runner(proc).Run(ctx)
			log.WithField("stats", proc.Stats()).Info("processor totals")
			return err
		},
	}
}

func publishCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one JSON event read from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}
			ev, err := domain.DecodeEvent(raw)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.InProcess() {
				log.Warn("memory channel selected, the event is dropped when this command exits")
			}
			pub := a.Publisher()
			if ev, err = pub.Prepare(ev); err != nil {
				return err
			}
			receipt, err := pub.Publish(ctx, ev)
			if err != nil {
				return err
			}
			out, err := sonic.ConfigStd.MarshalIndent(map[string]any{
				"eventId":   ev.EventID,
				"partition": receipt.Partition,
				"offset":    receipt.Offset,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "event file, stdin when empty")
	return cmd
}

func initStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create consumer groups, queues, tables and the index schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info("storage init starting")
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Provision(ctx); err != nil {
				return err
			}
			log.Info("storage init complete")
			return nil
		},
	}
}
