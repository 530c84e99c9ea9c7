package relay

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/matheus3301/dmsync/internal/channel"
	"github.com/matheus3301/dmsync/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func (s *Server) limiter() *rate.Limiter {
	if s.cfg.SendRate <= 0 {
		return rate.NewLimiter(rate.Inf, s.cfg.SendBurst)
	}
	return rate.NewLimiter(rate.Limit(s.cfg.SendRate), s.cfg.SendBurst)
}

func (s *Server) serveSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals(localUser).(string)
	p := newPeer(userID, s.cfg.SocketBuffer, s.limiter())
	queued := s.hub.attach(p)
	logger := s.logger.With(zap.String("user", userID))
	logger.Info("socket connected", zap.Int("replayed", len(queued)))

	writerDone := make(chan struct{})
	var unsent []channel.Frame
	go func() {
		defer close(writerDone)
		unsent = s.writeLoop(conn, p, queued, logger)
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		var f channel.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		s.handle(p, f, logger)
	}

	p.close()
	<-writerDone
	s.hub.detach(p, unsent)
	_ = conn.Close()
	logger.Info("socket disconnected", zap.Int("unsent", len(unsent)))
}

// writeLoop writes replayed frames, then live ones, until p closes. It
// returns the frames it failed to write.
func (s *Server) writeLoop(conn *websocket.Conn, p *peer, queued []channel.Frame, logger *zap.Logger) []channel.Frame {
	write := func(f channel.Frame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteJSON(f); err != nil {
			logger.Debug("write failed", zap.Error(err))
			p.close()
			_ = conn.Close()
			return false
		}
		return true
	}
	for i, f := range queued {
		if !write(f) {
			return queued[i:]
		}
	}
	for {
		select {
		case f := <-p.out:
			if !write(f) {
				return []channel.Frame{f}
			}
		case <-p.done:
			return nil
		}
	}
}

func (s *Server) handle(p *peer, f channel.Frame, logger *zap.Logger) {
	switch f.Event {
	case channel.EventSendMessage:
		s.handleSend(p, f, logger)
	case channel.EventMessageDelivered:
		var d channel.DeliveredPayload
		if !decode(f, &d, logger) {
			return
		}
		s.forward(p, d.ConversationID, channel.EventMessageDelivered, d, true, logger)
	case channel.EventMarkRead:
		var r channel.ReadPayload
		if !decode(f, &r, logger) {
			return
		}
		r.UserID = p.userID
		s.forward(p, r.ConversationID, channel.EventMessagesRead, r, true, logger)
	case channel.EventTyping, channel.EventStopTyping:
		var t channel.TypingPayload
		if !decode(f, &t, logger) {
			return
		}
		t.SenderID = p.userID
		s.forward(p, t.ConversationID, f.Event, t, false, logger)
	case channel.EventJoinChat, channel.EventLeaveChat:
		var c channel.ConversationPayload
		if decode(f, &c, logger) {
			logger.Debug(f.Event, zap.String("conversation", c.ConversationID))
		}
	case channel.EventPresence:
		var pr channel.PresencePayload
		if decode(f, &pr, logger) {
			logger.Debug("presence", zap.String("status", pr.Status))
		}
	default:
		logger.Debug("ignoring frame", zap.String("event", f.Event))
	}
}

// forward sends a frame to the other participant of conversationID. Durable
// frames are held for replay when the participant is offline.
func (s *Server) forward(p *peer, conversationID, event string, data any, durable bool, logger *zap.Logger) {
	target, ok := counterpart(conversationID, p.userID)
	if !ok {
		logger.Warn("frame for foreign conversation", zap.String("event", event), zap.String("conversation", conversationID))
		return
	}
	out, err := channel.NewFrame(event, data)
	if err != nil {
		logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	if durable {
		s.hub.deliverOrQueue(target, out)
		return
	}
	s.hub.deliver(target, out, nil)
}

func (s *Server) handleSend(p *peer, f channel.Frame, logger *zap.Logger) {
	var sp channel.SendPayload
	if err := json.Unmarshal(f.Data, &sp); err != nil {
		s.ack(p, f, channel.AckResult{Error: "malformed payload", Terminal: true})
		return
	}
	if !p.limiter.Allow() {
		logger.Warn("send rate limited", zap.String("msg_id", sp.Envelope.ID))
		s.ack(p, f, channel.AckResult{Error: "rate limited"})
		return
	}
	recipient, err := validateSend(sp, p.userID)
	if err != nil {
		logger.Warn("send rejected", zap.String("msg_id", sp.Envelope.ID), zap.Error(err))
		s.ack(p, f, channel.AckResult{Error: err.Error(), Terminal: true})
		return
	}
	sp.RecipientID = recipient
	out, err := channel.NewFrame(channel.EventNewMessage, sp)
	if err != nil {
		s.ack(p, f, channel.AckResult{Error: err.Error(), Terminal: true})
		return
	}
	live := s.hub.deliverOrQueue(recipient, out)
	s.hub.deliver(p.userID, out, p)
	logger.Debug("routed message",
		zap.String("msg_id", sp.Envelope.ID),
		zap.String("recipient", recipient),
		zap.Bool("live", live),
	)
	s.ack(p, f, channel.AckResult{OK: true})
}

func (s *Server) ack(p *peer, f channel.Frame, res channel.AckResult) {
	if f.Ack == 0 {
		return
	}
	out, err := channel.NewFrame(channel.EventAck, res)
	if err != nil {
		return
	}
	out.Ack = f.Ack
	p.push(out)
}

// validateSend checks a send against the authenticated sender and returns
// the recipient.
func validateSend(sp channel.SendPayload, sender string) (string, error) {
	env := sp.Envelope
	if env.ID == "" {
		return "", errors.New("missing message id")
	}
	if env.Sender != sender {
		return "", errors.New("sender does not match token")
	}
	recipient := sp.RecipientID
	if recipient == "" {
		recipient = env.Recipient
	}
	if !chat.ValidUserID(recipient) || recipient == sender {
		return "", errors.New("invalid recipient")
	}
	if env.Recipient != "" && env.Recipient != recipient {
		return "", errors.New("recipient mismatch")
	}
	if sp.ConversationID != chat.ConversationID(sender, recipient) {
		return "", errors.New("conversation id mismatch")
	}
	return recipient, nil
}

func decode(f channel.Frame, v any, logger *zap.Logger) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		logger.Warn("malformed frame", zap.String("event", f.Event), zap.Error(err))
		return false
	}
	return true
}
