package api

import (
	"context"

	"github.com/aquilax/truncate"
	"github.com/matheus3301/dmsync/internal/bus"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	chatServiceName = "dmsync.v1.ChatService"
	previewLength   = 80
)

// ChatServer is the ChatService contract.
type ChatServer interface {
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	OpenChat(context.Context, *ChatRequest) (*MessagesResponse, error)
	CloseChat(context.Context, *ChatRequest) (*Empty, error)
	DeleteChat(context.Context, *ChatRequest) (*Empty, error)
	WatchEvents(*WatchRequest, grpc.ServerStream) error
}

// ChatService exposes the chat index and the event stream.
type ChatService struct {
	engine      Synchronizer
	bus         *bus.Bus
	sessionName string
}

// NewChatService creates a new chat service.
func NewChatService(engine Synchronizer, b *bus.Bus, sessionName string) *ChatService {
	return &ChatService{engine: engine, bus: b, sessionName: sessionName}
}

func (s *ChatService) ListChats(_ context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	views, err := s.engine.Chats()
	if err != nil {
		return nil, toStatus("list chats", err)
	}
	if req.Limit > 0 && len(views) > req.Limit {
		views = views[:req.Limit]
	}
	chats := make([]Chat, 0, len(views))
	for _, v := range views {
		chats = append(chats, chatFromView(v))
	}
	return &ListChatsResponse{Chats: chats}, nil
}

func chatFromView(v intsync.ChatView) Chat {
	return Chat{
		ConversationID: v.ConversationID,
		PeerID:         v.Peer.ID,
		PeerName:       v.Peer.Name,
		Preview:        truncate.Truncate(v.Preview, previewLength, "...", truncate.PositionEnd),
		UpdatedAt:      v.UpdatedAt,
		UnreadCount:    v.UnreadCount,
		PeerTyping:     v.PeerTyping,
	}
}

// resolve turns a ChatRequest into a conversation id.
func (s *ChatService) resolve(req *ChatRequest) (string, error) {
	switch {
	case req.ConversationID != "":
		return req.ConversationID, nil
	case req.PeerID != "":
		return s.engine.ConversationWith(req.PeerID), nil
	}
	return "", grpcstatus.Error(codes.InvalidArgument, "conversationId or peerId is required")
}

func (s *ChatService) OpenChat(ctx context.Context, req *ChatRequest) (*MessagesResponse, error) {
	conv, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	views, err := s.engine.OpenConversation(ctx, conv)
	if err != nil {
		return nil, toStatus("open chat", err)
	}
	return &MessagesResponse{ConversationID: conv, Messages: toMessages(views)}, nil
}

func (s *ChatService) CloseChat(ctx context.Context, req *ChatRequest) (*Empty, error) {
	conv, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CloseConversation(ctx, conv); err != nil {
		return nil, toStatus("close chat", err)
	}
	return &Empty{}, nil
}

func (s *ChatService) DeleteChat(ctx context.Context, req *ChatRequest) (*Empty, error) {
	conv, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := s.engine.DeleteChat(ctx, conv); err != nil {
		return nil, toStatus("delete chat", err)
	}
	return &Empty{}, nil
}

func (s *ChatService) WatchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	return streamEvents(stream.Context(), s.bus, s.sessionName, req.Prefixes, func(st *structpb.Struct) error {
		return stream.SendMsg(st)
	})
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: chatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListChats", Handler: unary(MethodListChats, ChatServer.ListChats)},
		{MethodName: "OpenChat", Handler: unary(MethodOpenChat, ChatServer.OpenChat)},
		{MethodName: "CloseChat", Handler: unary(MethodCloseChat, ChatServer.CloseChat)},
		{MethodName: "DeleteChat", Handler: unary(MethodDeleteChat, ChatServer.DeleteChat)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: serverStream(ChatServer.WatchEvents), ServerStreams: true},
	},
}

// RegisterChatService registers srv on s.
func RegisterChatService(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&chatServiceDesc, srv)
}

// WatchEventsStream is the stream descriptor clients open for WatchEvents.
var WatchEventsStream = &chatServiceDesc.Streams[0]
