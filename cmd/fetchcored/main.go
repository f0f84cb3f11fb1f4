// Command fetchcored runs the fetcher core as a standalone process: a
// persistent --config flag, one subcommand per operating mode, and SIGINT
// triggering a graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cobweb-crawl/fetchcore"
	"github.com/cobweb-crawl/fetchcore/backend"
	"github.com/cobweb-crawl/fetchcore/memguard"
	"github.com/cobweb-crawl/fetchcore/metrics"
	"github.com/cobweb-crawl/fetchcore/pool"
	"github.com/cobweb-crawl/fetchcore/robots"
	"github.com/cobweb-crawl/fetchcore/rpc"
	"github.com/cobweb-crawl/fetchcore/service"
	"github.com/cobweb-crawl/fetchcore/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "fetchcored",
		Short: "the fetchcore distributed fetching core",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file to load")

	root.AddCommand(serveCommand())
	root.AddCommand(fetchCommand())
	root.AddCommand(versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*fetchcore.Config, error) {
	if configPath == "" {
		return fetchcore.DefaultConfig(), nil
	}
	return fetchcore.LoadConfigFile(configPath)
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// buildShell constructs every component from cfg and wires them into a
// service.Shell; nothing here is a package-level global.
func buildShell(cfg *fetchcore.Config, log zerolog.Logger, queue *service.MemoryQueue) (*service.Shell, *transport.Engine, error) {
	reg := metrics.New(log, cfg.Metrics.ReportInterval)
	mem := memguard.New(cfg.Memory.MaxPercent, cfg.Memory.GCInterval, cfg.Memory.CheckInterval, reg, log)
	poolOpt := pool.New(cfg.Pool.MinSize, cfg.Pool.MaxSize, cfg.Pool.InitialSize, cfg.Pool.CheckInterval, cfg.Pool.ScaleFactor, cfg.Pool.ScaleDownThreshold, reg, log)

	engine, err := transport.New(cfg.Fetch, poolOpt, 20000, mem, reg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build transport engine: %w", err)
	}

	robotsCache, err := robots.New(engine, cfg.Robots.MaxEntries, int64(cfg.Robots.TTL.Seconds()), reg, log, func() int64 { return time.Now().Unix() })
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build robots cache: %w", err)
	}

	endpoints := backend.Endpoints{
		Puppeteer:    cfg.Backend.PuppeteerEndpoint,
		Playwright:   cfg.Backend.PlaywrightEndpoint,
		PyPlaywright: cfg.Backend.PyPlaywrightEndpoint,
		Splash:       cfg.Backend.SplashEndpoint,
	}
	router := backend.New(engine, endpoints, robotsCache, reg, log)

	shell := service.New(cfg.Service, cfg.Pool.CheckInterval, reg, mem, poolOpt, robotsCache, engine, router, queue, queue, log)
	return shell, engine, nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the fetcher core as a long-lived process (queue mode + RPC bridge)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger()

			queue := service.NewMemoryQueue(cfg.Service.OutputQueueSize)
			shell, _, err := buildShell(cfg, log, queue)
			if err != nil {
				return err
			}

			shell.Start()

			bridge := rpc.NewBridge(cfg.Service.RPCBindAddr, shell, func() {
				shell.Drain(context.Background())
			}, log)

			go func() {
				if err := bridge.ListenAndServe(); err != nil {
					log.Error().Err(err).Msg("rpc bridge stopped unexpectedly")
				}
			}()

			go func() {
				for tr := range queue.Results() {
					log.Info().Str("taskid", tr.Task.TaskID).Int("status_code", tr.Result.StatusCode).Msg("task completed")
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			log.Info().Msg("signal received, draining")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.DrainDeadline+5*time.Second)
			defer cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			bridge.Shutdown(shutdownCtx)
			shell.Drain(ctx)
			return nil
		},
	}
}

func fetchCommand() *cobra.Command {
	var taskFile string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "perform a single fetch of a task read from a JSON file and print the result to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("a task file is required; add --task/-t")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger()

			data, err := os.ReadFile(taskFile)
			if err != nil {
				return fmt.Errorf("failed to read task file (%s): %w", taskFile, err)
			}
			var task fetchcore.Task
			if err := json.Unmarshal(data, &task); err != nil {
				return fmt.Errorf("failed to parse task file (%s): %w", taskFile, err)
			}

			queue := service.NewMemoryQueue(1)
			shell, _, err := buildShell(cfg, log, queue)
			if err != nil {
				return err
			}
			shell.Start()
			defer shell.Stop()

			result := shell.Dispatch(context.Background(), &task)
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskFile, "task", "t", "", "path to a JSON file containing the Task to fetch")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the fetchcore version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fetchcore (development build)")
		},
	}
}
