// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cdc

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"
	"storj.io/inlet/ingest/cdc/eventbus"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/jobq"
)

// State describes what a listener is currently doing.
type State int32

const (
	// StateConnecting means the listener is dialing the event bus.
	StateConnecting State = iota
	// StateProbing means the listener is discovering which change
	// channels the tenant has enabled.
	StateProbing
	// StateSubscribed means the listener is consuming change events.
	StateSubscribed
	// StateBackoff means the last stream failed and the listener is
	// waiting before reconnecting.
	StateBackoff
	// StateDraining means shutdown has started and the stream is
	// closing.
	StateDraining
)

// String implements fmt.Stringer.
func (state State) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateProbing:
		return "probing"
	case StateSubscribed:
		return "subscribed"
	case StateBackoff:
		return "backoff"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Listener holds one tenant's subscription to the change event bus. It
// reconnects on failure with exponential backoff and forwards decoded
// events to the ingest queue.
type Listener struct {
	log     *zap.Logger
	tenant  ingestdb.TenantSource
	conn    Connector
	decoder *Decoder
	queue   jobq.Queue
	config  Config

	state   atomic.Int32
	backoff time.Duration
}

// NewListener creates a listener for a single connected tenant.
func NewListener(log *zap.Logger, tenant ingestdb.TenantSource, conn Connector, queue jobq.Queue, config Config) *Listener {
	return &Listener{
		log:     log,
		tenant:  tenant,
		conn:    conn,
		decoder: NewDecoder(),
		queue:   queue,
		config:  config,
	}
}

// State reports what the listener is currently doing.
func (listener *Listener) State() State {
	return State(listener.state.Load())
}

func (listener *Listener) setState(state State) {
	listener.state.Store(int32(state))
}

// Run consumes change events until ctx is canceled. Stream failures are
// retried with exponential backoff; a stream that ends cleanly resets
// the backoff.
func (listener *Listener) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener.backoff = listener.config.MinBackoff
	for {
		err := listener.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := listener.config.MinBackoff
		if err != nil {
			wait = listener.backoff
			listener.setState(StateBackoff)
			listener.log.Warn("change stream failed",
				zap.Duration("backoff", wait),
				zap.Error(err))

			listener.backoff *= 2
			if listener.backoff > listener.config.MaxBackoff {
				listener.backoff = listener.config.MaxBackoff
			}
		} else {
			listener.backoff = listener.config.MinBackoff
		}

		if !sync2.Sleep(ctx, wait) {
			return nil
		}
	}
}

// runOnce dials the bus, probes for enabled channels and consumes them
// until the stream ends. A nil return means the stream ended cleanly.
func (listener *Listener) runOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener.setState(StateConnecting)
	bus, err := listener.conn.Dial(ctx, listener.tenant)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, bus.Close()) }()

	listener.setState(StateProbing)
	channels, err := listener.probe(ctx, bus)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		listener.log.Info("no change channels enabled",
			zap.Duration("reprobe after", listener.config.ReprobeInterval))
		sync2.Sleep(ctx, listener.config.ReprobeInterval)
		return nil
	}

	listener.setState(StateSubscribed)
	group, ctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		group.Go(func() error {
			return listener.subscribe(ctx, bus, channel)
		})
	}
	return group.Wait()
}

// probe checks every configured channel and keeps the ones the tenant
// can subscribe to. Objects without change capture enabled are skipped.
func (listener *Listener) probe(ctx context.Context, bus Bus) (enabled []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var mu sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	for _, channel := range listener.config.channels() {
		group.Go(func() error {
			info, err := bus.GetTopic(ctx, channel)
			if connector.ErrNotFound.Has(err) {
				listener.log.Debug("change capture not enabled", zap.String("channel", channel))
				return nil
			}
			if err != nil {
				return err
			}
			if !info.CanSubscribe {
				listener.log.Debug("channel not subscribable", zap.String("channel", channel))
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			enabled = append(enabled, channel)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(enabled)
	return enabled, nil
}

// subscribe opens one bidirectional stream and pumps it until it ends.
// The send side keeps at most one fetch request queued and pings the
// server when the stream has been silent for the keepalive interval.
func (listener *Listener) subscribe(ctx context.Context, bus Bus, channel string) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	requests := make(chan eventbus.FetchRequest, 1)
	requests <- eventbus.FetchRequest{
		TopicName:    channel,
		ReplayPreset: eventbus.ReplayLatest,
		NumRequested: int32(listener.config.BatchSize),
	}

	var group errgroup.Group
	group.Go(func() error {
		return listener.sendLoop(ctx, stream, channel, requests)
	})
	group.Go(func() error {
		defer cancel()
		return listener.receiveLoop(ctx, bus, stream, channel, requests)
	})
	return group.Wait()
}

func (listener *Listener) sendLoop(ctx context.Context, stream eventbus.Stream, channel string, requests <-chan eventbus.FetchRequest) error {
	keepalive := time.NewTimer(listener.config.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			listener.setState(StateDraining)
			return stream.CloseSend()

		case request := <-requests:
			keepalive.Reset(listener.config.KeepaliveInterval)
			if err := stream.Send(request); err != nil {
				return err
			}

		case <-keepalive.C:
			keepalive.Reset(listener.config.KeepaliveInterval)
			err := stream.Send(eventbus.FetchRequest{
				TopicName:    channel,
				NumRequested: int32(listener.config.BatchSize),
			})
			if err != nil {
				return err
			}
		}
	}
}

func (listener *Listener) receiveLoop(ctx context.Context, bus Bus, stream eventbus.Stream, channel string, requests chan<- eventbus.FetchRequest) error {
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Ask for the next batch before processing this one so the
		// server always has an open request window. The channel holds a
		// single pending request; if one is already queued this is a
		// no-op.
		select {
		case requests <- eventbus.FetchRequest{
			TopicName:    channel,
			NumRequested: int32(listener.config.BatchSize),
		}:
		default:
		}

		if len(response.Events) == 0 {
			// Server side keepalive.
			continue
		}

		mon.Counter("cdc_events_received").Inc(int64(len(response.Events)))
		listener.processBatch(ctx, bus, channel, response.Events)
	}
}

// processBatch decodes and forwards the events of one response in
// parallel. A bad event is dropped with a log line rather than tearing
// down the stream.
func (listener *Listener) processBatch(ctx context.Context, bus Bus, channel string, events []eventbus.ConsumerEvent) {
	var group errgroup.Group
	for _, consumed := range events {
		group.Go(func() error {
			if err := listener.process(ctx, bus, consumed); err != nil {
				mon.Counter("cdc_events_dropped").Inc(1)
				listener.log.Error("dropping undeliverable change event",
					zap.String("channel", channel),
					zap.String("event_id", consumed.Event.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (listener *Listener) process(ctx context.Context, bus Bus, consumed eventbus.ConsumerEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	decoded, err := listener.decoder.Decode(ctx, bus, consumed.Event)
	if err != nil {
		return err
	}
	return Forward(ctx, listener.queue, listener.tenant.TenantID, decoded)
}
