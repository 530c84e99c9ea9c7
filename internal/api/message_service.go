package api

import (
	"context"

	"github.com/matheus3301/dmsync/internal/chat"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/upload"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const messageServiceName = "dmsync.v1.MessageService"

// MessageServer is the MessageService contract.
type MessageServer interface {
	ListMessages(context.Context, *ListMessagesRequest) (*MessagesResponse, error)
	Send(context.Context, *SendRequest) (*SendResponse, error)
	Retry(context.Context, *MessageRef) (*Empty, error)
	DeleteMessage(context.Context, *MessageRef) (*Empty, error)
	Typing(context.Context, *TypingRequest) (*Empty, error)
}

// MessageService reads and writes conversation messages.
type MessageService struct {
	engine Synchronizer
}

// NewMessageService creates a new message service.
func NewMessageService(engine Synchronizer) *MessageService {
	return &MessageService{engine: engine}
}

func (s *MessageService) ListMessages(_ context.Context, req *ListMessagesRequest) (*MessagesResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	views, err := s.engine.Conversation(req.ConversationID)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	if req.Limit > 0 && len(views) > req.Limit {
		views = views[len(views)-req.Limit:]
	}
	return &MessagesResponse{ConversationID: req.ConversationID, Messages: toMessages(views)}, nil
}

func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	sr := intsync.SendRequest{
		RecipientID: req.RecipientID,
		Body:        req.Body,
		ReplyToID:   req.ReplyToID,
	}
	for _, p := range req.MediaPaths {
		sr.Media = append(sr.Media, chat.LocalMedia{Path: p, Kind: upload.KindOf(p)})
	}
	if req.LinkURL != "" {
		sr.LinkPreview = &chat.LinkPreview{URL: req.LinkURL}
	}
	m, err := s.engine.Send(ctx, sr)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return &SendResponse{Message: Message{Message: m}}, nil
}

func (s *MessageService) Retry(ctx context.Context, req *MessageRef) (*Empty, error) {
	if err := s.engine.Retry(ctx, req.ConversationID, req.MessageID); err != nil {
		return nil, toStatus("retry", err)
	}
	return &Empty{}, nil
}

func (s *MessageService) DeleteMessage(ctx context.Context, req *MessageRef) (*Empty, error) {
	if err := s.engine.DeleteMessage(ctx, req.ConversationID, req.MessageID); err != nil {
		return nil, toStatus("delete message", err)
	}
	return &Empty{}, nil
}

func (s *MessageService) Typing(ctx context.Context, req *TypingRequest) (*Empty, error) {
	var err error
	if req.Stopped {
		err = s.engine.StopTyping(ctx, req.ConversationID)
	} else {
		err = s.engine.Typing(ctx, req.ConversationID)
	}
	if err != nil {
		return nil, toStatus("typing", err)
	}
	return &Empty{}, nil
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: messageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListMessages", Handler: unary(MethodListMessages, MessageServer.ListMessages)},
		{MethodName: "Send", Handler: unary(MethodSend, MessageServer.Send)},
		{MethodName: "Retry", Handler: unary(MethodRetry, MessageServer.Retry)},
		{MethodName: "DeleteMessage", Handler: unary(MethodDeleteMessage, MessageServer.DeleteMessage)},
		{MethodName: "Typing", Handler: unary(MethodTyping, MessageServer.Typing)},
	},
}

// RegisterMessageService registers srv on s.
func RegisterMessageService(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&messageServiceDesc, srv)
}
