// Package client is the typed control API client used by dmsyncctl.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/dmsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return invoke[api.StatusResponse](ctx, c, api.MethodGetStatus, &api.Empty{})
}

func (c *Client) TailLogs(ctx context.Context, lines int) ([]string, error) {
	resp, err := invoke[api.TailLogsResponse](ctx, c, api.MethodTailLogs, &api.TailLogsRequest{Lines: lines})
	if err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

func (c *Client) ListChats(ctx context.Context, limit int) ([]api.Chat, error) {
	resp, err := invoke[api.ListChatsResponse](ctx, c, api.MethodListChats, &api.ListChatsRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *Client) OpenChat(ctx context.Context, req api.ChatRequest) (*api.MessagesResponse, error) {
	return invoke[api.MessagesResponse](ctx, c, api.MethodOpenChat, &req)
}

func (c *Client) CloseChat(ctx context.Context, req api.ChatRequest) error {
	_, err := invoke[api.Empty](ctx, c, api.MethodCloseChat, &req)
	return err
}

func (c *Client) DeleteChat(ctx context.Context, req api.ChatRequest) error {
	_, err := invoke[api.Empty](ctx, c, api.MethodDeleteChat, &req)
	return err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]api.Message, error) {
	resp, err := invoke[api.MessagesResponse](ctx, c, api.MethodListMessages, &api.ListMessagesRequest{ConversationID: conversationID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Send(ctx context.Context, req api.SendRequest) (*api.Message, error) {
	resp, err := invoke[api.SendResponse](ctx, c, api.MethodSend, &req)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) Retry(ctx context.Context, conversationID, messageID string) error {
	_, err := invoke[api.Empty](ctx, c, api.MethodRetry, &api.MessageRef{ConversationID: conversationID, MessageID: messageID})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := invoke[api.Empty](ctx, c, api.MethodDeleteMessage, &api.MessageRef{ConversationID: conversationID, MessageID: messageID})
	return err
}

func (c *Client) Typing(ctx context.Context, conversationID string, stopped bool) error {
	_, err := invoke[api.Empty](ctx, c, api.MethodTyping, &api.TypingRequest{ConversationID: conversationID, Stopped: stopped})
	return err
}

func (c *Client) SyncStatus(ctx context.Context) (*api.SyncStatusResponse, error) {
	return invoke[api.SyncStatusResponse](ctx, c, api.MethodSyncStatus, &api.Empty{})
}

func (c *Client) DrainOutbox(ctx context.Context) (*api.DrainResponse, error) {
	return invoke[api.DrainResponse](ctx, c, api.MethodDrainOutbox, &api.Empty{})
}

// WatchEvents streams bus events whose kind matches one of prefixes until
// ctx ends. fn returning an error stops the stream.
func (c *Client) WatchEvents(ctx context.Context, prefixes []string, fn func(*structpb.Struct) error) error {
	return c.watch(ctx, api.WatchEventsStream, api.MethodWatchEvents, prefixes, fn)
}

// WatchSync streams channel and outbox events.
func (c *Client) WatchSync(ctx context.Context, fn func(*structpb.Struct) error) error {
	return c.watch(ctx, api.WatchSyncStream, api.MethodWatchSync, nil, fn)
}

func (c *Client) watch(ctx context.Context, desc *grpc.StreamDesc, method string, prefixes []string, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, desc, method)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&api.WatchRequest{Prefixes: prefixes}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
