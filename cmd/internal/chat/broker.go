package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ember/cmd/internal/ids"
	v1 "ember/shared/contracts/chat/v1"
)

// Broker owns the broadcast protocol: it validates sends, persists them, and
// publishes the canonical message to room members through the fanout.
//
// The core invariant is persist-before-broadcast: a message that reaches any
// client has already survived a store write, so reconnecting clients can
// always recover history that others have seen, and no client ever observes a
// message that later disappears because the durable write failed.
type Broker struct {
	log       *slog.Logger
	store     Store
	directory *Directory
	registry  *Registry
	fanout    Fanout
	metrics   *Metrics
}

// NewBroker wires the broadcast protocol. A nil fanout defaults to LocalFanout;
// a nil metrics creates unregistered instruments.
func NewBroker(log *slog.Logger, store Store, directory *Directory, registry *Registry, fanout Fanout, metrics *Metrics) (*Broker, error) {
	if store == nil || directory == nil || registry == nil {
		return nil, errors.New("chat: nil broker dependency")
	}
	if fanout == nil {
		fanout = NewLocalFanout()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	b := &Broker{
		log:       log,
		store:     store,
		directory: directory,
		registry:  registry,
		fanout:    fanout,
		metrics:   metrics,
	}
	if err := fanout.Start(b.deliver); err != nil {
		return nil, err
	}
	return b, nil
}

// Send runs the per-send state machine: validate, persist, publish.
// The returned message carries the server-assigned identity and order; the
// caller acknowledges it directly to the originating connection.
func (b *Broker) Send(ctx context.Context, sender, roomID, text string) (Message, error) {
	if _, err := b.directory.Authorize(ctx, sender, roomID); err != nil {
		b.metrics.SendErrorsTotal.Inc()
		return Message{}, err
	}

	msg, err := b.store.AppendMessage(ctx, AppendInput{
		RoomID: roomID,
		Sender: sender,
		Text:   text,
		Now:    time.Now().UTC(),
	})
	if err != nil {
		b.metrics.SendErrorsTotal.Inc()
		return Message{}, asTaxonomy(err)
	}
	b.metrics.MessagesTotal.Inc()

	// Broadcast strictly after the append returned. A publish failure is not
	// a send failure: the message is durable and recoverable via history.
	if err := b.fanout.Publish(ctx, Frame{Kind: FrameMessage, RoomID: roomID, Message: &msg}); err != nil {
		b.log.Error("fanout.publish.fail", "room_id", roomID, "message_id", msg.ID, "err", err)
	} else {
		b.metrics.FanoutPublishedTotal.Inc()
	}

	return msg, nil
}

// Join authorizes the participant for the room, subscribes the connection,
// and returns the room plus the history window after the client's cursor.
func (b *Broker) Join(ctx context.Context, c *Client, roomID string, afterSeq *int64) (Room, HistoryResult, error) {
	room, err := b.directory.Authorize(ctx, c.ParticipantID, roomID)
	if err != nil {
		return Room{}, HistoryResult{}, err
	}

	// Subscribe before reading the snapshot: a message accepted while the
	// history read is in flight then reaches the joiner live instead of
	// falling between snapshot and broadcast. The client dedupes the overlap
	// by message identity.
	b.registry.Subscribe(roomID, c)

	hist, err := b.store.History(ctx, HistoryInput{RoomID: roomID, AfterSeq: afterSeq})
	if err != nil {
		b.registry.Unsubscribe(roomID, c.SessionID)
		return Room{}, HistoryResult{}, asTaxonomy(err)
	}

	if err := b.fanout.Publish(ctx, Frame{
		Kind:          FramePeerJoined,
		RoomID:        roomID,
		Peer:          c.ParticipantID,
		OriginSession: c.SessionID,
	}); err != nil {
		b.log.Info("fanout.peer_joined.fail", "room_id", roomID, "err", err)
	}

	return room, hist, nil
}

// History returns a history window for a room the participant belongs to.
func (b *Broker) History(ctx context.Context, participant, roomID string, afterSeq *int64, limit int) (HistoryResult, error) {
	if _, err := b.directory.Authorize(ctx, participant, roomID); err != nil {
		return HistoryResult{}, err
	}
	out, err := b.store.History(ctx, HistoryInput{RoomID: roomID, AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return HistoryResult{}, asTaxonomy(err)
	}
	return out, nil
}

// Leave unsubscribes the connection from a room and notifies the remaining members.
func (b *Broker) Leave(ctx context.Context, c *Client, roomID string) {
	b.registry.Unsubscribe(roomID, c.SessionID)

	if err := b.fanout.Publish(ctx, Frame{
		Kind:          FramePeerLeft,
		RoomID:        roomID,
		Peer:          c.ParticipantID,
		OriginSession: c.SessionID,
	}); err != nil {
		b.log.Info("fanout.peer_left.fail", "room_id", roomID, "err", err)
	}
}

// Disconnect removes the connection from every room it joined and notifies
// each room's remaining members. Safe to call more than once.
func (b *Broker) Disconnect(c *Client) {
	rooms := b.registry.Drop(c.SessionID)
	for _, roomID := range rooms {
		if err := b.fanout.Publish(context.Background(), Frame{
			Kind:          FramePeerLeft,
			RoomID:        roomID,
			Peer:          c.ParticipantID,
			OriginSession: c.SessionID,
		}); err != nil {
			b.log.Info("fanout.peer_left.fail", "room_id", roomID, "err", err)
		}
	}
}

// deliver fans an inbound frame out to the local members of its room.
// Non-blocking: a member with a full queue or one that is shutting down is
// skipped rather than stalling the room.
func (b *Broker) deliver(f Frame) {
	var env v1.Envelope
	switch f.Kind {
	case FrameMessage:
		if f.Message == nil {
			return
		}
		env = newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{Message: wireMessage(*f.Message)})
	case FramePeerJoined:
		env = newEnvelope(v1.TypePeerJoined, v1.PeerJoinedPayload{RoomID: f.RoomID, ParticipantID: f.Peer})
	case FramePeerLeft:
		env = newEnvelope(v1.TypePeerLeft, v1.PeerLeftPayload{RoomID: f.RoomID, ParticipantID: f.Peer})
	default:
		b.log.Info("fanout.frame.unknown", "kind", f.Kind)
		return
	}

	for _, m := range b.registry.MembersOf(f.RoomID) {
		if m == nil {
			continue
		}
		// Peer events are not echoed to the session that caused them.
		if f.Kind != FrameMessage && f.OriginSession != "" && m.SessionID == f.OriginSession {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			b.metrics.BroadcastDroppedTotal.Inc()
		}
	}
}

// asTaxonomy maps infrastructure errors onto the wire taxonomy: anything that
// is not already a taxonomy or context error is a transient store failure.
func asTaxonomy(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTransientIO),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
}

// ---- envelope helpers ----

func newEnvelope(typ string, payload any) v1.Envelope {
	b, _ := json.Marshal(payload)
	id, _ := ids.NewULID(time.Now().UTC())
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: b,
	}
}

func wireMessage(m Message) v1.Message {
	return v1.Message{
		ID:       m.ID,
		RoomID:   m.RoomID,
		Sender:   m.Sender,
		Text:     m.Text,
		Seq:      m.Seq,
		ServerTS: m.ServerTS,
	}
}

func wireRoom(r Room) v1.Room {
	return v1.Room{
		ID:           r.ID,
		Participants: r.Participants,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
}

func wireMessages(in []Message) []v1.Message {
	out := make([]v1.Message, 0, len(in))
	for _, m := range in {
		out = append(out, wireMessage(m))
	}
	return out
}
