// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/process"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/jobq"
)

var (
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Job queue operations",
	}
	queueDeadCmd = &cobra.Command{
		Use:   "dead",
		Short: "Dead letter operations",
	}
	queueDeadListCmd = &cobra.Command{
		Use:   "list [ingest|webhook]",
		Short: "List dead-lettered messages",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdQueueDeadList,
	}
	queueDeadRedriveCmd = &cobra.Command{
		Use:   "redrive [ingest|webhook]",
		Short: "Move dead-lettered messages back onto the queue",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdQueueDeadRedrive,
	}
	queueDeadPurgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Delete all dead-lettered messages",
		Args:  cobra.NoArgs,
		RunE:  cmdQueueDeadPurge,
	}
)

func queueNameArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return jobq.QueueIngest
}

func openQueue(cmd *cobra.Command) (*ingestdb.DB, *ingestdb.Queue, error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := ingestdb.Open(ctx, log.Named("db"), runCfg.Database, ingestdb.Options{
		ApplicationName: "inlet-queue",
	})
	if err != nil {
		return nil, nil, errs.New("error connecting to the control database: %+v", err)
	}
	return db, ingestdb.NewQueue(log.Named("queue"), db, runCfg.Queue, nil), nil
}

func cmdQueueDeadList(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)

	db, queue, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	dead, err := queue.ListDead(ctx, queueNameArg(args), 1000)
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		fmt.Println("no dead-lettered messages")
		return nil
	}
	for _, message := range dead {
		fmt.Printf("%s\tlane=%s\treceives=%d\tdead-since=%s\n",
			message.JobID, message.Lane, message.ReceiveCount,
			message.DeadSince.UTC().Format(time.RFC3339))
	}
	return nil
}

func cmdQueueDeadRedrive(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)

	db, queue, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	moved, err := queue.RedriveDead(ctx, queueNameArg(args))
	if err != nil {
		return err
	}
	fmt.Printf("redrove %d messages\n", moved)
	return nil
}

func cmdQueueDeadPurge(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)

	db, queue, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	removed, err := queue.PurgeDead(ctx, 0)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d messages\n", removed)
	return nil
}
