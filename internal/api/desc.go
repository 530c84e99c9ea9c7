package api

import (
	"context"

	"google.golang.org/grpc"
)

// unary adapts a typed method to a grpc.MethodHandler.
func unary[S, Req, Resp any](fullMethod string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// serverStream adapts a typed server-streaming method to a grpc.StreamHandler.
func serverStream[S, Req any](fn func(S, *Req, grpc.ServerStream) error) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		in := new(Req)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return fn(srv.(S), in, stream)
	}
}

func method(service, name string) string {
	return "/" + service + "/" + name
}

// Method names for clients.
var (
	MethodGetStatus     = method(sessionServiceName, "GetStatus")
	MethodTailLogs      = method(sessionServiceName, "TailLogs")
	MethodListChats     = method(chatServiceName, "ListChats")
	MethodOpenChat      = method(chatServiceName, "OpenChat")
	MethodCloseChat     = method(chatServiceName, "CloseChat")
	MethodDeleteChat    = method(chatServiceName, "DeleteChat")
	MethodWatchEvents   = method(chatServiceName, "WatchEvents")
	MethodListMessages  = method(messageServiceName, "ListMessages")
	MethodSend          = method(messageServiceName, "Send")
	MethodRetry         = method(messageServiceName, "Retry")
	MethodDeleteMessage = method(messageServiceName, "DeleteMessage")
	MethodTyping        = method(messageServiceName, "Typing")
	MethodSyncStatus    = method(syncServiceName, "GetSyncStatus")
	MethodDrainOutbox   = method(syncServiceName, "DrainOutbox")
	MethodWatchSync     = method(syncServiceName, "WatchSyncEvents")
)
