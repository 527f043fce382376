// Package grpc exposes the authority's sync surface over gRPC: a server
// stream of node updates per observer and a unary membership report.
package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/wire"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "powernet.sync.v1.SyncService"
	// ObserverIDMetadataKey identifies the calling observer on unary calls.
	ObserverIDMetadataKey = "x-observer-id"

	subscribeMethod        = "/" + ServiceName + "/Subscribe"
	reportMembershipMethod = "/" + ServiceName + "/ReportMembership"

	membershipProcessTimeout = 40 * time.Millisecond
	defaultStreamRateHz      = 20
)

// SyncServer is implemented by Service and registered through ServiceDesc.
type SyncServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
	ReportMembership(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the sync service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportMembership", Handler: reportMembershipHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "powernet/sync/v1/sync.proto",
}

// Register attaches the service to a gRPC server.
func Register(server grpc.ServiceRegistrar, service SyncServer) {
	server.RegisterService(&ServiceDesc, service)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SyncServer).Subscribe(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func reportMembershipHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).ReportMembership(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reportMembershipMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncServer).ReportMembership(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

// Option customises the behaviour of the gRPC sync service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithCodec overrides the frame codec used for outbound updates.
func WithCodec(codec *Codec) Option {
	return func(s *Service) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithStreamRate sets how often buffered updates are flushed to a subscriber.
func WithStreamRate(hz float64) Option {
	return func(s *Service) {
		if hz > 0 {
			s.interval = time.Duration(float64(time.Second) / hz)
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements SyncServer on top of the authority bridge.
type Service struct {
	bridge    Bridge
	codec     *Codec
	newTicker tickerFactory
	interval  time.Duration
	log       *logging.Logger
}

// NewService wires the gRPC service to the authority bridge and optional settings.
func NewService(bridge Bridge, opts ...Option) *Service {
	service := &Service{
		bridge:    bridge,
		codec:     &Codec{},
		newTicker: defaultTickerFactory,
		interval:  time.Second / defaultStreamRateHz,
		log:       logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Subscribe registers the observer interest carried by req and relays its
// node updates until the client goes away or the feed closes.
func (s *Service) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.bridge == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	msg, err := s.codec.Decode(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode interest: %v", err)
	}
	interest, ok := msg.(*wire.Interest)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "expected %s, got %s", wire.TypeInterest, msg.MessageType())
	}
	ctx := stream.Context()
	logger := s.log.With(logging.String("observer_id", interest.ObserverID), logging.String("transport", "grpc"))

	//1.- Subscribe before streaming so the initial sync lands in the feed.
	updates, cancel, err := s.bridge.Subscribe(ctx, interest)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe: %v", err)
	}
	defer cancel()
	logger.Info("observer subscribed")
	defer logger.Info("observer unsubscribed")

	tickCh, stop := s.newTicker(s.interval)
	defer stop()

	var (
		pending []*wire.NodesChanged
		closed  bool
	)
	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case update, ok := <-updates:
			if !ok {
				closed = true
				updates = nil
				if len(pending) == 0 {
					return nil
				}
				continue
			}
			pending = append(pending, update)
		case <-tickCh:
			//3.- Flush everything buffered since the last tick in arrival order.
			for len(pending) > 0 {
				frame, err := s.codec.Encode(pending[0])
				if err != nil {
					return status.Errorf(codes.Internal, "encode update: %v", err)
				}
				if err := stream.Send(frame); err != nil {
					return err
				}
				pending = pending[1:]
			}
			if closed {
				return nil
			}
		}
	}
}

// ReportMembership applies one actor membership report from the calling observer.
func (s *Service) ReportMembership(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.bridge == nil {
		return nil, status.Error(codes.FailedPrecondition, "membership unavailable")
	}
	msg, err := s.codec.Decode(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode membership: %v", err)
	}
	membership, ok := msg.(*wire.ActorMembership)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "expected %s, got %s", wire.TypeActorMembership, msg.MessageType())
	}
	senderID := observerFromContext(ctx)
	if senderID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing "+ObserverIDMetadataKey+" metadata")
	}
	//1.- Guard the authority call so observers receive feedback within one tick.
	callCtx, cancel := context.WithTimeout(ctx, membershipProcessTimeout)
	defer cancel()
	if err := s.bridge.ReportMembership(callCtx, senderID, membership); err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, status.Error(codes.DeadlineExceeded, "membership report timed out")
		}
		return membershipAck(false, err.Error()), nil
	}
	return membershipAck(true, ""), nil
}

func membershipAck(accepted bool, reason string) *structpb.Struct {
	fields := map[string]*structpb.Value{"accepted": structpb.NewBoolValue(accepted)}
	if reason != "" {
		fields["reason"] = structpb.NewStringValue(reason)
	}
	return &structpb.Struct{Fields: fields}
}

func observerFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, value := range md.Get(ObserverIDMetadataKey) {
		if value != "" {
			return value
		}
	}
	return ""
}

var _ SyncServer = (*Service)(nil)
