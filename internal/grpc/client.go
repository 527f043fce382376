package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"powernet/broker/internal/wire"
)

// Client is the observer side of the sync service.
type Client struct {
	conn       *grpc.ClientConn
	codec      *Codec
	observerID string
}

// Dial connects to the authority at target. opts typically come from ClientSecurity.
func Dial(target, observerID string, codec *Codec, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewClient(conn, observerID, codec), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, observerID string, codec *Codec) *Client {
	if codec == nil {
		codec = &Codec{}
	}
	return &Client{conn: conn, codec: codec, observerID: observerID}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// UpdateStream yields decoded node updates from a Subscribe call.
type UpdateStream struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
	codec  *Codec
}

// Recv blocks for the next update. It returns io.EOF once the authority ends the stream.
func (u *UpdateStream) Recv() (*wire.NodesChanged, error) {
	frame, err := u.stream.Recv()
	if err != nil {
		return nil, err
	}
	msg, err := u.codec.Decode(frame)
	if err != nil {
		return nil, err
	}
	update, ok := msg.(*wire.NodesChanged)
	if !ok {
		return nil, fmt.Errorf("%w: %s on update stream", wire.ErrUnknownMessage, msg.MessageType())
	}
	return update, nil
}

// Subscribe registers interest and opens the update stream.
func (c *Client) Subscribe(ctx context.Context, interest *wire.Interest) (*UpdateStream, error) {
	req, err := c.codec.Encode(interest)
	if err != nil {
		return nil, err
	}
	cs, err := c.conn.NewStream(c.outgoing(ctx), &ServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	//1.- io.EOF means the server already ended the stream; Recv surfaces its status.
	if err := stream.ClientStream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := stream.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return &UpdateStream{stream: stream, codec: c.codec}, nil
}

// ReportMembership submits one actor membership report. The returned bool
// reports whether the authority accepted it; reason explains a rejection.
func (c *Client) ReportMembership(ctx context.Context, msg *wire.ActorMembership) (bool, string, error) {
	req, err := c.codec.Encode(msg)
	if err != nil {
		return false, "", err
	}
	ack := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), reportMembershipMethod, req, ack); err != nil {
		return false, "", err
	}
	fields := ack.GetFields()
	return fields["accepted"].GetBoolValue(), fields["reason"].GetStringValue(), nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.observerID == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, ObserverIDMetadataKey, c.observerID)
}
