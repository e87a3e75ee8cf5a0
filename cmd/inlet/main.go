// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"storj.io/inlet/ingest"
	"storj.io/inlet/ingest/ingestdb"
)

// Inlet defines the configuration of every inlet command.
type Inlet struct {
	Database string `help:"control database connection string" default:"postgres://"`

	ingest.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "inlet",
		Short: "Inlet multi-tenant ingestion plane",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a peer",
	}
	runWorkerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run the job queue worker",
		RunE:  cmdRunWorker,
	}
	runGatekeeperCmd = &cobra.Command{
		Use:   "gatekeeper",
		Short: "Run the change-capture listener fleet",
		RunE:  cmdRunGatekeeper,
	}
	runSchedulerCmd = &cobra.Command{
		Use:   "scheduler",
		Short: "Run the incremental sync scheduler",
		RunE:  cmdRunScheduler,
	}
	runAPICmd = &cobra.Command{
		Use:   "api",
		Short: "Run the operator API",
		RunE:  cmdRunAPI,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	migrationCmd = &cobra.Command{
		Use:   "migration",
		Short: "Control database migration",
	}
	migrationRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Migrate the control database to the latest version",
		RunE:  cmdMigrationRun,
	}

	runCfg   Inlet
	setupCfg Inlet

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "inlet")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for inlet configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrationCmd)
	rootCmd.AddCommand(queueCmd)
	runCmd.AddCommand(runWorkerCmd)
	runCmd.AddCommand(runGatekeeperCmd)
	runCmd.AddCommand(runSchedulerCmd)
	runCmd.AddCommand(runAPICmd)
	migrationCmd.AddCommand(migrationRunCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueDeadCmd.AddCommand(queueDeadListCmd)
	queueDeadCmd.AddCommand(queueDeadRedriveCmd)
	queueDeadCmd.AddCommand(queueDeadPurgeCmd)

	for _, cmd := range []*cobra.Command{
		runWorkerCmd, runGatekeeperCmd, runSchedulerCmd, runAPICmd,
		migrationRunCmd, queueDeadListCmd, queueDeadRedriveCmd, queueDeadPurgeCmd,
	} {
		process.Bind(cmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	}
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("inlet configuration already exists (%v)", setupDir)
	}

	if err := os.MkdirAll(setupDir, 0700); err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

// openDB opens the control database and verifies its schema version.
func openDB(ctx context.Context, log *zap.Logger, applicationName string) (*ingestdb.DB, error) {
	db, err := ingestdb.Open(ctx, log.Named("db"), runCfg.Database, ingestdb.Options{
		ApplicationName: applicationName,
	})
	if err != nil {
		return nil, errs.New("error connecting to the control database: %+v", err)
	}
	if err := db.CheckVersion(ctx); err != nil {
		return nil, errs.Combine(errs.New("failed control database version check: %+v", err), db.Close())
	}
	return db, nil
}

func cmdRunWorker(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if err := process.InitMetricsWithHostname(ctx, log, monkit.Default); err != nil {
		log.Warn("failed to initialize telemetry batcher", zap.Error(err))
	}

	db, err := openDB(ctx, log, "inlet-worker")
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := ingest.NewWorker(ctx, log, db, runCfg.Config)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdRunGatekeeper(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if err := process.InitMetricsWithHostname(ctx, log, monkit.Default); err != nil {
		log.Warn("failed to initialize telemetry batcher", zap.Error(err))
	}

	db, err := openDB(ctx, log, "inlet-gatekeeper")
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := ingest.NewGatekeeper(ctx, log, db, runCfg.Config)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdRunScheduler(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if err := process.InitMetricsWithHostname(ctx, log, monkit.Default); err != nil {
		log.Warn("failed to initialize telemetry batcher", zap.Error(err))
	}

	db, err := openDB(ctx, log, "inlet-scheduler")
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := ingest.NewScheduler(log, db, runCfg.Config)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdRunAPI(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if err := process.InitMetricsWithHostname(ctx, log, monkit.Default); err != nil {
		log.Warn("failed to initialize telemetry batcher", zap.Error(err))
	}

	db, err := openDB(ctx, log, "inlet-api")
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := ingest.NewAPI(log, db, runCfg.Config)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdMigrationRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := ingestdb.Open(ctx, log.Named("db"), runCfg.Database, ingestdb.Options{
		ApplicationName: "inlet-migration",
	})
	if err != nil {
		return errs.New("error connecting to the control database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.MigrateToLatest(ctx)
}

func main() {
	logger, _, _ := process.NewLogger("inlet")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
