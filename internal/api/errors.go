package api

import (
	"errors"

	"github.com/matheus3301/dmsync/internal/channel"
	"github.com/matheus3301/dmsync/internal/chat"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/upload"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, intsync.ErrInvalidRecipient),
		errors.Is(err, intsync.ErrNotParticipant):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrMessageNotFound):
		code = codes.NotFound
	case errors.Is(err, intsync.ErrNotRetriable):
		code = codes.FailedPrecondition
	case errors.Is(err, channel.ErrNotConnected),
		errors.Is(err, upload.ErrUpload),
		errors.Is(err, intsync.ErrStopped):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
