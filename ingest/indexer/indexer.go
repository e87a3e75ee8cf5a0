// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package indexer announces freshly written artifacts to the indexing
// plane, which picks them up from the tenant database. It also holds the
// document index client that deletions reconcile through.
package indexer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/eventkit"
	"storj.io/inlet/ingest/source"
)

var (
	mon = monkit.Package()
	ek  = eventkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("indexer")
)

// IndexBatchSize caps how many entity ids ride in one notification.
const IndexBatchSize = 100

// Config selects where indexing notifications go.
type Config struct {
	Topic string `help:"indexing notification target: @log writes to the process log, <project>:<topic> publishes to Pub/Sub" default:"@log"`
}

// Notification announces a batch of upserted artifacts.
type Notification struct {
	TenantID   uuid.UUID     `json:"tenant_id"`
	Source     source.Source `json:"source"`
	EntityIDs  []string      `json:"entity_ids"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// Notifier delivers indexing notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
	Close() error
}

// NewNotifier builds the notifier named by config.
func NewNotifier(ctx context.Context, log *zap.Logger, config Config) (Notifier, error) {
	if config.Topic == "" || config.Topic == "@log" {
		return NewLogNotifier(log), nil
	}
	projectID, topicID, err := ParseTopicName(config.Topic)
	if err != nil {
		return nil, err
	}
	return NewPubSubNotifier(ctx, projectID, topicID)
}

// ParseTopicName splits a "<project>:<topic>" target.
func ParseTopicName(name string) (projectID, topicID string, err error) {
	projectID, topicID, found := strings.Cut(name, ":")
	if !found || projectID == "" || topicID == "" {
		return "", "", Error.New("malformed topic name %q, expected <project>:<topic>", name)
	}
	return projectID, topicID, nil
}

// NotifyBatches splits entity ids into IndexBatchSize notifications and
// delivers them in order.
func NotifyBatches(ctx context.Context, notifier Notifier, tenant uuid.UUID, src source.Source, entityIDs []string) error {
	for len(entityIDs) > 0 {
		batch := entityIDs
		if len(batch) > IndexBatchSize {
			batch = batch[:IndexBatchSize]
		}
		entityIDs = entityIDs[len(batch):]

		err := notifier.Notify(ctx, Notification{
			TenantID:   tenant,
			Source:     src,
			EntityIDs:  batch,
			EnqueuedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// LogNotifier writes notifications to the process log. It backs the @log
// target and local development.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify implements Notifier.
func (notifier *LogNotifier) Notify(ctx context.Context, notification Notification) error {
	notifier.log.Info("indexing requested",
		zap.Stringer("tenant", notification.TenantID),
		zap.String("source", string(notification.Source)),
		zap.Int("entities", len(notification.EntityIDs)))
	ek.Event("indexing_notified",
		eventkit.String("source", string(notification.Source)),
		eventkit.Int64("entities", int64(len(notification.EntityIDs))))
	return nil
}

// Close implements Notifier.
func (notifier *LogNotifier) Close() error { return nil }

// PubSubNotifier publishes notifications to a Pub/Sub topic.
type PubSubNotifier struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// NewPubSubNotifier connects to the topic.
func NewPubSubNotifier(ctx context.Context, projectID, topicID string) (_ *PubSubNotifier, err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &PubSubNotifier{
		client:    client,
		publisher: client.Publisher(topicID),
	}, nil
}

// Notify implements Notifier.
func (notifier *PubSubNotifier) Notify(ctx context.Context, notification Notification) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(notification)
	if err != nil {
		return Error.Wrap(err)
	}
	result := notifier.publisher.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		ek.Event("indexing_publish_failed",
			eventkit.String("source", string(notification.Source)),
			eventkit.String("error", err.Error()))
		return Error.Wrap(err)
	}
	ek.Event("indexing_notified",
		eventkit.String("source", string(notification.Source)),
		eventkit.Int64("entities", int64(len(notification.EntityIDs))))
	return nil
}

// Close implements Notifier.
func (notifier *PubSubNotifier) Close() error {
	notifier.publisher.Stop()
	return Error.Wrap(notifier.client.Close())
}
