package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"autorules/internal/config"
	"autorules/internal/services"
	"autorules/pkg/dtable"
)

// scanCmd runs a single scheduled-rule sweep and exits. Useful after an
// outage to catch up rules whose hour gate still matches.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scheduled-rule sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			logrus.Warnf("init logger: %v", err)
		}
		appLogger := logrus.StandardLogger()

		db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err != nil {
			return err
		}

		api := dtable.NewClient(dtable.Config{
			ServerURL:  cfg.DTable.ServerURL,
			PrivateKey: cfg.DTable.PrivateKey,
			Timeout:    cfg.DTable.Timeout,
		}, appLogger)
		dates := services.NewDateRenderer(cfg.DTable.TimeZone)
		limiter := services.NewRateLimiter(cfg.Automation.RateLimitWindowSecs, cfg.Automation.RateLimitPercent)
		quota := services.NewQuotaManager(db, cfg.Automation.DefaultUserQuota, cfg.Automation.DefaultOrgQuota, appLogger)
		sender := services.NewSender(cfg.ScriptRunner.URL, cfg.ScriptRunner.Timeout, appLogger)
		runtime := services.NewRuntime(db, api, sender, dates, cfg.DTable.PrivateKey, appLogger)
		runtime.SetScriptPolicy(cfg.Automation.CanRunPython, cfg.Automation.ScriptsRunningLimit)
		stats := services.NewStatsManager(db, limiter, quota, api, appLogger)
		pipeline := services.NewPipeline(runtime, stats, cfg.Automation.Workers, cfg.Automation.QueueSize, appLogger)

		ctx := context.Background()
		pipeline.Start(ctx)
		scanner := services.NewScanner(db, api, quota, pipeline,
			time.Duration(cfg.Automation.ScanGraceMinutes)*time.Minute, appLogger)
		scanner.Sweep(ctx)
		pipeline.Stop(5 * time.Minute)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
