package grpc

import (
	"context"

	"powernet/broker/internal/wire"
)

// UpdateSource fans authoritative node updates out to one subscribed observer.
type UpdateSource interface {
	// Subscribe registers the interest and returns the observer's update feed.
	// The returned cancel func unregisters the observer and closes the feed.
	Subscribe(ctx context.Context, interest *wire.Interest) (<-chan *wire.NodesChanged, func(), error)
}

// MembershipSink applies actor membership reports on the authority.
type MembershipSink interface {
	ReportMembership(ctx context.Context, senderID string, msg *wire.ActorMembership) error
}

// Bridge aggregates the authority dependencies required by the gRPC service.
type Bridge interface {
	UpdateSource
	MembershipSink
}
