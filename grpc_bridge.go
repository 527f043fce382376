package main

import (
	"context"
	"errors"
	"sync"

	grpcstream "powernet/broker/internal/grpc"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/wire"
)

// Subscribe attaches a gRPC observer and registers its interest so the
// initial sync lands in the returned feed.
func (h *Hub) Subscribe(ctx context.Context, interest *wire.Interest) (<-chan *wire.NodesChanged, func(), error) {
	if h == nil {
		return nil, func() {}, errors.New("hub is nil")
	}
	if err := interest.Validate(); err != nil {
		return nil, func() {}, err
	}
	//1.- Buffer like a websocket client so slow consumers drop instead of stalling ticks.
	stream := &streamSink{updates: make(chan *wire.NodesChanged, sendQueueDepth)}
	h.attach(interest.ObserverID, stream)
	h.log.Info("observer connected",
		logging.String("observer_id", interest.ObserverID),
		logging.String("transport", stream.transport()))

	var once sync.Once
	cancel := func() {
		//2.- Ensure detach only runs once whichever side ends the stream.
		once.Do(func() { h.detach(interest.ObserverID, stream) })
	}
	if err := h.role.Handle(ctx, interest.ObserverID, interest); err != nil {
		cancel()
		return nil, func() {}, err
	}
	return stream.updates, cancel, nil
}

// ReportMembership forwards a gRPC membership report through the authority role.
func (h *Hub) ReportMembership(ctx context.Context, senderID string, msg *wire.ActorMembership) error {
	if h == nil {
		return errors.New("hub is nil")
	}
	return h.role.Handle(ctx, senderID, msg)
}

var _ grpcstream.Bridge = (*Hub)(nil)
