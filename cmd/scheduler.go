package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/hallsync/internal/monitoring"
	"github.com/sells-group/hallsync/internal/scheduler"
	"github.com/sells-group/hallsync/internal/server"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the job scheduler daemon",
}

var schedulerServePort int

var schedulerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Fire scheduled jobs and serve the status API",
	Long: "Loads job definitions from the shared object store, fires them on their cron " +
		"triggers in the configured time zone and exposes status and controls over HTTP. " +
		"SIGINT or SIGTERM stops the running job at the next unit and releases the lock.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("scheduler"); err != nil {
			return err
		}
		loc, err := cfg.Scheduler.Location()
		if err != nil {
			return err
		}

		env, err := initReconcile(ctx, "scheduler")
		if err != nil {
			return err
		}
		defer env.Close()

		objs, err := initObjects(ctx)
		if err != nil {
			return err
		}

		mu := newMutex(objs, "scheduler")
		sched := scheduler.New(env.Reconciler, env.Warehouse, mu, newJobRepo(objs), scheduler.Config{
			Location: loc,
			Venues:   cfg.Venues,
		})
		if err := sched.Start(ctx); err != nil {
			return eris.Wrap(err, "start scheduler")
		}

		port := schedulerServePort
		if port == 0 {
			port = cfg.Scheduler.Port
		}
		srv := server.New(sched, server.Config{Port: port, CORSOrigins: cfg.Scheduler.CORSOrigins})
		checker := monitoring.NewChecker(
			monitoring.NewCollector(sched, env.Staging, mu),
			monitoring.NewAlerter(cfg.Monitoring, cfg.Lock.Environment),
			cfg.Monitoring,
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("stopping scheduler")
			sched.Stop()
			return nil
		})
		return g.Wait()
	},
}

func init() {
	schedulerServeCmd.Flags().IntVar(&schedulerServePort, "port", 0, "server port (default from config)")
	schedulerCmd.AddCommand(schedulerServeCmd)
	rootCmd.AddCommand(schedulerCmd)
}
