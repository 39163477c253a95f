// Package grpcapi serves the client protocol as a bidirectional gRPC stream,
// for backends that prefer gRPC to websockets. Frames are the same JSON
// requests, acks and events the websocket transport carries.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/chessroom/internal/game/session"
	"github.com/cory-johannsen/chessroom/internal/observability"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chessroom.v1.RoomService"

const sessionMethod = "/" + ServiceName + "/Session"

// RoomServiceServer is implemented by the room service.
type RoomServiceServer interface {
	Session(stream grpc.ServerStream) error
}

// ServiceDesc describes the room service to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoomServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "chessroom/v1/room.proto",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RoomServiceServer).Session(stream)
}

// OpenSession starts a Session stream on cc using the JSON codec. Requests
// are sent with SendMsg and frames received with RecvMsg.
func OpenSession(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return cc.NewStream(ctx, &ServiceDesc.Streams[0], sessionMethod, opts...)
}

// Service implements RoomServiceServer on top of a session Coordinator.
type Service struct {
	coord  *session.Coordinator
	logger *zap.Logger

	quit     chan struct{}
	quitOnce sync.Once
}

// NewService creates a room Service.
//
// Precondition: coord and logger must be non-nil.
func NewService(coord *session.Coordinator, logger *zap.Logger) *Service {
	return &Service{coord: coord, logger: logger, quit: make(chan struct{})}
}

// Close ends every open stream. Streams opened afterwards end immediately.
func (s *Service) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Session handles one client stream. Each stream is one connection: it
// joins at most one room and leaves it when the stream ends.
func (s *Service) Session(stream grpc.ServerStream) error {
	connID := uuid.NewString()
	logger := observability.ConnLogger(s.logger, "grpc", connID)

	out, err := s.coord.Connect(connID)
	if err != nil {
		return status.Errorf(codes.Internal, "registering connection: %v", err)
	}
	defer s.coord.Disconnect(connID)
	logger.Info("client connected")

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.recvLoop(stream, connID, logger)
	}()

	ended := false
	for {
		select {
		case err := <-recvErr:
			// Deliver what is already queued, then finish.
			s.coord.Disconnect(connID)
			ended = true
			if err != nil {
				logger.Debug("stream receive ended", zap.Error(err))
			}
		case frame, ok := <-out.Frames():
			if !ok {
				logger.Info("client disconnected")
				if ended {
					return nil
				}
				return status.Error(codes.ResourceExhausted, "client too slow")
			}
			if err := stream.SendMsg(json.RawMessage(frame)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case <-s.quit:
			return status.Error(codes.Unavailable, "server shutting down")
		}
	}
}

// recvLoop feeds requests to the Coordinator until the client half-closes
// or the stream fails.
func (s *Service) recvLoop(stream grpc.ServerStream, connID string, logger *zap.Logger) error {
	for {
		var raw json.RawMessage
		if err := stream.RecvMsg(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var req session.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = s.coord.Reject(connID, "", err)
			continue
		}
		if err := s.coord.Handle(connID, req); err != nil {
			if errors.Is(err, session.ErrNotConnected) {
				return nil
			}
			logger.Debug("request rejected",
				zap.String("request_id", req.RequestID),
				zap.String("intent", req.Intent),
				zap.String("reason", session.Code(err)),
			)
		}
	}
}
