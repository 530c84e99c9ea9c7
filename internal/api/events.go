package api

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/dmsync/internal/bus"
	"google.golang.org/protobuf/types/known/structpb"
)

const watchBuffer = 256

// eventToStruct renders a bus event as a protobuf Struct envelope.
func eventToStruct(session string, evt bus.Event) (*structpb.Struct, error) {
	var payload any
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
	}
	return structpb.NewStruct(map[string]any{
		"eventId":      uuid.NewString(),
		"session":      session,
		"kind":         evt.Kind,
		"occurredAtMs": evt.Timestamp.UnixMilli(),
		"payload":      payload,
	})
}

func matchesAny(kind string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

// streamEvents forwards matching bus events until ctx ends or send fails.
func streamEvents(ctx context.Context, b *bus.Bus, session string, prefixes []string, send func(*structpb.Struct) error) error {
	ch, unsub := b.Subscribe("", watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !matchesAny(evt.Kind, prefixes) {
				continue
			}
			st, err := eventToStruct(session, evt)
			if err != nil {
				continue
			}
			if err := send(st); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
