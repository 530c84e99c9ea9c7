package api

import (
	"context"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/store"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"google.golang.org/grpc"
)

const sessionServiceName = "dmsync.v1.SessionService"

// SessionServer is the SessionService contract.
type SessionServer interface {
	GetStatus(context.Context, *Empty) (*StatusResponse, error)
	TailLogs(context.Context, *TailLogsRequest) (*TailLogsResponse, error)
}

// SessionService reports daemon health and recent logs.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	engine      Synchronizer
	bus         *bus.Bus
	db          *store.DB
	tail        *logging.Tail
}

// NewSessionService creates a new session service.
func NewSessionService(sessionName string, machine *status.Machine, engine Synchronizer, b *bus.Bus, db *store.DB, tail *logging.Tail) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		engine:      engine,
		bus:         b,
		db:          db,
		tail:        tail,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *Empty) (*StatusResponse, error) {
	snap := s.machine.Snapshot()
	resp := &StatusResponse{
		Session:           s.sessionName,
		ChannelState:      string(snap.State),
		StateSinceMs:      unixMs(snap.Since),
		ReconnectAttempts: snap.Attempts,
		LastError:         snap.LastError,
		UptimeMs:          time.Since(s.startedAt).Milliseconds(),
	}
	if s.bus != nil {
		resp.DroppedEvents = s.bus.Dropped()
	}
	if s.engine != nil {
		resp.Account = s.engine.UserID()
		resp.OutboxLen = s.engine.OutboxLen()
		resp.LastConnectedAtMs = unixMs(s.engine.Checkpoint(intsync.CheckpointLastConnected))
	}
	if s.db != nil && resp.Account != "" {
		if n, err := s.db.ChatCount(resp.Account); err == nil {
			resp.ChatCount = n
		}
	}
	return resp, nil
}

func (s *SessionService) TailLogs(_ context.Context, req *TailLogsRequest) (*TailLogsResponse, error) {
	if s.tail == nil {
		return &TailLogsResponse{}, nil
	}
	return &TailLogsResponse{Lines: s.tail.Lines(req.Lines)}, nil
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unary(MethodGetStatus, SessionServer.GetStatus)},
		{MethodName: "TailLogs", Handler: unary(MethodTailLogs, SessionServer.TailLogs)},
	},
}

// RegisterSessionService registers srv on s.
func RegisterSessionService(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}
