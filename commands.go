package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"leadpilot/config"
	controller "leadpilot/controllers"
	"leadpilot/middleware"
	"leadpilot/routes"
	"leadpilot/services"
	"leadpilot/utils"
	"leadpilot/worker"
)

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event hub and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go e.hub.Run(ctx)
			if !noWorkers {
				go worker.NewWorkflowWorker(e.runner, e.cfg.Workflow.Interval).Start(ctx)
				go worker.NewSyncWorker(e.sync, e.cfg.Sync.Interval).Start(ctx)
			}

			var limiterStorage fiber.Storage
			if e.redis != nil {
				limiterStorage = middleware.NewRedisStorage(e.redis)
			}

			app := fiber.New(fiber.Config{AppName: "leadpilot"})
			routes.SetupRoutes(app, routes.Handlers{
				Enrollments: controller.NewEnrollmentController(e.enrollments),
				Workflow:    controller.NewWorkflowController(e.runner, e.sync, e.heartbeat, e.cfg.Sync.HeartbeatMaxAge, e.breakers, e.hub),
				Approvals:   controller.NewApprovalController(e.approvals, e.sender, e.drafter),
				Scores:      controller.NewScoreController(e.scorer, e.researcher),
				Sessions:    controller.NewSessionController(e.sessions, e.client),
				Hub:         e.hub,
			}, routes.Options{
				JWTSecret:      e.cfg.JWTSecret,
				CORS:           middleware.CORSConfig{Origins: e.cfg.CORSOrigins, MaxAge: 3600},
				ManualSendRate: e.cfg.ManualSendRate,
				LimiterStorage: limiterStorage,
			})

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := app.ShutdownWithContext(shutdownCtx); err != nil {
					logrus.WithError(err).Warn("Server shutdown failed")
				}
			}()

			logrus.WithField("port", e.cfg.ServerPort).Info("Server starting")
			return app.Listen(":" + e.cfg.ServerPort)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without the workflow and sync workers")
	return cmd
}

func cycleCmd() *cobra.Command {
	var opts services.CycleOptions
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one workflow cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := e.runner.RunCycle(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum due enrollments to process (0 uses the configured limit)")
	cmd.Flags().DurationVar(&opts.Lookback, "lookback", 0, "how far back to look for inbound messages")
	cmd.Flags().IntVar(&opts.ScoreBatchLimit, "score-batch", 0, "maximum prospects to rescore")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would happen without changing anything")
	return cmd
}

func syncCmd() *cobra.Command {
	var beat bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull new channel conversations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			if beat {
				if err := e.heartbeat.Beat(cmd.Context(), time.Now()); err != nil {
					return err
				}
			}
			result, err := e.sync.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&beat, "heartbeat", false, "record operator presence before syncing")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Mint an API token for an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			token, err := utils.GenerateJWTToken(cfg.JWTSecret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
