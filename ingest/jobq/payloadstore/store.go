// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package payloadstore offloads oversized queue bodies to an S3-compatible
// object store.
package payloadstore

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the payload store.
	Error = errs.Class("payloadstore")
)

const keyPrefix = "payloads/"

// Config configures the payload store.
type Config struct {
	Endpoint        string `help:"host:port of the S3-compatible object store" default:""`
	Bucket          string `help:"bucket holding offloaded queue payloads" default:"ingest-payloads"`
	AccessKeyID     string `help:"access key id for the object store" default:""`
	SecretAccessKey string `help:"secret access key for the object store" default:""`
	UseTLS          bool   `help:"connect to the object store over TLS" default:"true" devDefault:"false"`
	Encrypt         bool   `help:"request server-side encryption for stored payloads" default:"true" devDefault:"false"`

	Retention time.Duration `help:"how long orphaned payloads are kept before the sweeper removes them" default:"168h"`
}

// Store implements jobq.PayloadStore on an S3-compatible backend.
type Store struct {
	log    *zap.Logger
	client *minio.Client
	config Config
	sse    encrypt.ServerSide
}

// New connects to the object store.
func New(log *zap.Logger, config Config) (*Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseTLS,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	store := &Store{
		log:    log,
		client: client,
		config: config,
	}
	if config.Encrypt {
		store.sse = encrypt.NewSSE()
	}
	return store, nil
}

// Put stores a payload under the key.
func (store *Store) Put(ctx context.Context, key string, body []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = store.client.PutObject(ctx, store.config.Bucket, keyPrefix+key,
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType:          "application/json",
			ServerSideEncryption: store.sse,
		})
	return Error.Wrap(err)
}

// Get returns the payload stored under the key.
func (store *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := store.client.GetObject(ctx, store.config.Bucket, keyPrefix+key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(object.Close())) }()

	body, err := io.ReadAll(object)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return body, nil
}

// Delete removes the payload. Missing keys are not an error.
func (store *Store) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(store.client.RemoveObject(ctx, store.config.Bucket, keyPrefix+key, minio.RemoveObjectOptions{}))
}

// SweepOrphans removes payloads older than the retention that no queue row
// references anymore. Crashed deliveries leave such payloads behind.
func (store *Store) SweepOrphans(ctx context.Context, referenced func(ctx context.Context, key string) (bool, error)) (removed int, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := time.Now().Add(-store.config.Retention)
	objects := store.client.ListObjects(ctx, store.config.Bucket, minio.ListObjectsOptions{
		Prefix:    keyPrefix,
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return removed, Error.Wrap(object.Err)
		}
		if object.LastModified.After(cutoff) {
			continue
		}
		key := object.Key[len(keyPrefix):]
		inUse, err := referenced(ctx, key)
		if err != nil {
			return removed, err
		}
		if inUse {
			continue
		}
		if err := store.client.RemoveObject(ctx, store.config.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, Error.Wrap(err)
		}
		removed++
		mon.Event("payload_swept")
	}
	return removed, nil
}
