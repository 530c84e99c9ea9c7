package api

import (
	"context"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/status"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const syncServiceName = "dmsync.v1.SyncService"

// SyncServer is the SyncService contract.
type SyncServer interface {
	GetSyncStatus(context.Context, *Empty) (*SyncStatusResponse, error)
	DrainOutbox(context.Context, *Empty) (*DrainResponse, error)
	WatchSyncEvents(*WatchRequest, grpc.ServerStream) error
}

// SyncService reports channel connectivity and controls the outbox.
type SyncService struct {
	engine      Synchronizer
	bus         *bus.Bus
	machine     *status.Machine
	sessionName string
}

// NewSyncService creates a new sync service.
func NewSyncService(engine Synchronizer, b *bus.Bus, machine *status.Machine, sessionName string) *SyncService {
	return &SyncService{
		engine:      engine,
		bus:         b,
		machine:     machine,
		sessionName: sessionName,
	}
}

func (s *SyncService) GetSyncStatus(_ context.Context, _ *Empty) (*SyncStatusResponse, error) {
	return &SyncStatusResponse{
		Connected:         s.machine.Current() == status.Connected,
		OutboxLen:         s.engine.OutboxLen(),
		LastConnectedAtMs: unixMs(s.engine.Checkpoint(intsync.CheckpointLastConnected)),
		LastDrainAtMs:     unixMs(s.engine.Checkpoint(intsync.CheckpointLastDrain)),
		LastRecoveryAtMs:  unixMs(s.engine.Checkpoint(intsync.CheckpointLastRecovery)),
	}, nil
}

func (s *SyncService) DrainOutbox(ctx context.Context, _ *Empty) (*DrainResponse, error) {
	res, err := s.engine.DrainOutbox(ctx)
	if err != nil {
		return nil, toStatus("drain outbox", err)
	}
	return &DrainResponse{Sent: res.Sent, Rejected: res.Rejected, Remaining: res.Remaining}, nil
}

func (s *SyncService) WatchSyncEvents(req *WatchRequest, stream grpc.ServerStream) error {
	prefixes := req.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{"channel.", "outbox."}
	}
	return streamEvents(stream.Context(), s.bus, s.sessionName, prefixes, func(st *structpb.Struct) error {
		return stream.SendMsg(st)
	})
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: syncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSyncStatus", Handler: unary(MethodSyncStatus, SyncServer.GetSyncStatus)},
		{MethodName: "DrainOutbox", Handler: unary(MethodDrainOutbox, SyncServer.DrainOutbox)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchSyncEvents", Handler: serverStream(SyncServer.WatchSyncEvents), ServerStreams: true},
	},
}

// RegisterSyncService registers srv on s.
func RegisterSyncService(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&syncServiceDesc, srv)
}

// WatchSyncStream is the stream descriptor clients open for WatchSyncEvents.
var WatchSyncStream = &syncServiceDesc.Streams[0]
