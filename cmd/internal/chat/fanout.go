package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Frame kinds carried by the fanout.
const (
	FrameMessage    = "message"
	FramePeerJoined = "peer_joined"
	FramePeerLeft   = "peer_left"
)

// Frame is the unit of delivery between persistence and the room members.
// Every frame references a message that already survived a store write, or a
// membership event; it never carries unpersisted message content.
type Frame struct {
	Kind    string   `json:"kind"`
	RoomID  string   `json:"room_id"`
	Message *Message `json:"message,omitempty"`
	Peer    string   `json:"peer,omitempty"`

	// OriginSession identifies the session that caused a peer event, so
	// delivery can skip echoing it back to that session.
	OriginSession string `json:"origin_session,omitempty"`
}

// DeliverFunc consumes inbound frames and delivers them to local connections.
type DeliverFunc func(Frame)

// Fanout decouples "message accepted" from "message delivered to sockets".
// A single-process deployment uses LocalFanout; multiple broker processes
// share a NATSFanout so every process delivers to its own local members.
type Fanout interface {
	// Start registers the local delivery handler. Must be called before Publish.
	Start(deliver DeliverFunc) error
	// Publish hands a frame to every process's delivery handler, including this one.
	Publish(ctx context.Context, f Frame) error
	Close() error
}

// LocalFanout delivers frames synchronously in-process.
type LocalFanout struct {
	mu      sync.RWMutex
	deliver DeliverFunc
}

// NewLocalFanout constructs the single-process fanout.
func NewLocalFanout() *LocalFanout { return &LocalFanout{} }

// Start registers the delivery handler.
func (f *LocalFanout) Start(deliver DeliverFunc) error {
	if deliver == nil {
		return errors.New("chat: nil deliver func")
	}
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
	return nil
}

// Publish invokes the delivery handler synchronously, which preserves
// per-room publish order end to end.
func (f *LocalFanout) Publish(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	deliver := f.deliver
	f.mu.RUnlock()
	if deliver == nil {
		return errors.New("chat: fanout not started")
	}
	deliver(frame)
	return nil
}

// Close is a no-op for the local fanout.
func (f *LocalFanout) Close() error { return nil }

const (
	natsSubjectPrefix = "ember.chat.room."
	natsSubjectAll    = "ember.chat.room.>"
)

// NATSFanout publishes frames on a per-room NATS subject and delivers every
// inbound frame (including its own) to the local handler. Local direct
// delivery is intentionally absent: with NATS enabled there is exactly one
// delivery path, so messages are never double-delivered within a process.
type NATSFanout struct {
	log *slog.Logger
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewNATSFanout connects to NATS with bounded reconnect behavior.
func NewNATSFanout(log *slog.Logger, url string) (*NATSFanout, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("chat: empty nats url")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("fanout.nats.connected", "url", url)
	return &NATSFanout{log: log, nc: nc}, nil
}

// Start subscribes to all room subjects and routes frames to deliver.
func (f *NATSFanout) Start(deliver DeliverFunc) error {
	if deliver == nil {
		return errors.New("chat: nil deliver func")
	}

	sub, err := f.nc.Subscribe(natsSubjectAll, func(msg *nats.Msg) {
		var frame Frame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			f.log.Error("fanout.nats.decode.fail", "subject", msg.Subject, "err", err)
			return
		}
		deliver(frame)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	f.sub = sub
	return nil
}

// Publish sends the frame on the room's subject.
func (f *NATSFanout) Publish(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return f.nc.Publish(natsSubjectPrefix+frame.RoomID, b)
}

// Close drains the subscription and closes the connection.
func (f *NATSFanout) Close() error {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	if f.nc != nil {
		f.nc.Close()
	}
	return nil
}
