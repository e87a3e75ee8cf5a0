// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package eventbus is the transport for the provider's change event bus:
// a gRPC service with unary topic and schema lookups and a bidirectional
// subscription stream.
//
// The wire messages are encoded by hand with protowire and sent through a
// raw byte codec, so the package carries no generated protobuf code.
package eventbus

import (
	"context"
	"crypto/tls"
	"errors"
	"io"

	"github.com/zeebo/errs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
)

// Error is the default error class of the package.
var Error = errs.Class("eventbus")

// Method names of the bus service.
const (
	methodSubscribe = "/eventbus.v1.PubSub/Subscribe"
	methodGetTopic  = "/eventbus.v1.PubSub/GetTopic"
	methodGetSchema = "/eventbus.v1.PubSub/GetSchema"
)

// Credentials authenticates one tenant's bus connection. Every call
// carries them as metadata.
type Credentials struct {
	AccessToken string
	InstanceURL string
	OrgID       string
}

// Client speaks the event bus protocol over one gRPC connection. It is
// safe for concurrent use; streams and unary calls share the connection.
type Client struct {
	conn  *grpc.ClientConn
	creds Credentials
}

// Dial opens a TLS connection to the bus at address.
func Dial(ctx context.Context, address string, creds Credentials) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{conn: conn, creds: creds}, nil
}

// Close closes the connection, ending any open streams.
func (client *Client) Close() error {
	return Error.Wrap(client.conn.Close())
}

func (client *Client) withAuth(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		"accesstoken", client.creds.AccessToken,
		"instanceurl", client.creds.InstanceURL,
		"tenantid", client.creds.OrgID,
	)
}

// GetTopic describes one channel, telling among others whether the tenant
// may subscribe to it at all.
func (client *Client) GetTopic(ctx context.Context, topicName string) (TopicInfo, error) {
	request := TopicRequest{TopicName: topicName}.Marshal()
	var response []byte
	err := client.conn.Invoke(client.withAuth(ctx), methodGetTopic, &request, &response)
	if err != nil {
		return TopicInfo{}, classifyRPC(err)
	}
	return UnmarshalTopicInfo(response)
}

// GetSchema fetches the payload schema stored under schemaID.
func (client *Client) GetSchema(ctx context.Context, schemaID string) (SchemaInfo, error) {
	request := SchemaRequest{SchemaID: schemaID}.Marshal()
	var response []byte
	err := client.conn.Invoke(client.withAuth(ctx), methodGetSchema, &request, &response)
	if err != nil {
		return SchemaInfo{}, classifyRPC(err)
	}
	return UnmarshalSchemaInfo(response)
}

// Subscribe opens the bidirectional fetch stream. The caller drives it:
// events only flow while fetch requests keep arriving.
func (client *Client) Subscribe(ctx context.Context) (Stream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    "Subscribe",
		ClientStreams: true,
		ServerStreams: true,
	}
	stream, err := client.conn.NewStream(client.withAuth(ctx), desc, methodSubscribe)
	if err != nil {
		return nil, classifyRPC(err)
	}
	return &clientStream{stream: stream}, nil
}

// Stream is one open subscription.
type Stream interface {
	// Send issues a fetch request, asking the server for more events.
	Send(request FetchRequest) error
	// Recv blocks for the next response. A clean server-side stream end
	// surfaces as io.EOF.
	Recv() (FetchResponse, error)
	// CloseSend ends the request side of the stream.
	CloseSend() error
}

type clientStream struct {
	stream grpc.ClientStream
}

func (s *clientStream) Send(request FetchRequest) error {
	data := request.Marshal()
	if err := s.stream.SendMsg(&data); err != nil {
		return classifyRPC(err)
	}
	return nil
}

func (s *clientStream) Recv() (FetchResponse, error) {
	var data []byte
	if err := s.stream.RecvMsg(&data); err != nil {
		if errors.Is(err, io.EOF) {
			// io.EOF passes through untouched: it is the clean end marker.
			return FetchResponse{}, err
		}
		return FetchResponse{}, classifyRPC(err)
	}
	return UnmarshalFetchResponse(data)
}

func (s *clientStream) CloseSend() error {
	return Error.Wrap(s.stream.CloseSend())
}

// classifyRPC maps gRPC statuses into the shared connector taxonomy, so
// the listener handles bus failures the same way extractors handle HTTP
// ones.
func classifyRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Error.Wrap(err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return connector.ErrAuthFailed.New("%s", st.Message())
	case codes.NotFound:
		return connector.ErrNotFound.New("%s", st.Message())
	case codes.ResourceExhausted:
		return &ratelimit.RateLimitedError{Err: err}
	case codes.Unavailable, codes.DeadlineExceeded:
		return &ratelimit.RateLimitedError{RetryAfter: connector.TransientWait(), Err: err}
	default:
		return Error.Wrap(err)
	}
}

// rawCodec moves pre-encoded message bytes through grpc untouched. Values
// must be *[]byte on both directions.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	data, ok := v.(*[]byte)
	if !ok {
		return nil, Error.New("raw codec cannot marshal %T", v)
	}
	return *data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return Error.New("raw codec cannot unmarshal into %T", v)
	}
	*out = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }
