// Package pubsub is the best-effort fallback transport. All peers of a room
// share one broker topic and pick the announcements addressed to them.
// Ordering within a pair of peers relies on the broker keeping per-publisher
// order on a single topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/transport"
)

const (
	defaultTopicPrefix    = "watchparty/room/"
	defaultPublishTimeout = 3 * time.Second
)

var ErrAlreadyJoined = errors.New("pubsub transport already joined a room")

type (
	// Broker is a topic-based publish/subscribe service.
	Broker interface {
		Join(ctx context.Context, topic string) (Topic, error)
		Close() error
	}

	Topic interface {
		Publish(ctx context.Context, data []byte) error
		// Next blocks until a message arrives or ctx is done.
		Next(ctx context.Context) ([]byte, error)
		Close() error
	}

	Config struct {
		Broker      Broker
		Logger      *zerolog.Logger
		TopicPrefix string
	}

	Transport struct {
		broker Broker
		prefix string
		logger zerolog.Logger

		mx     sync.Mutex
		self   string
		topic  Topic
		mux    *transport.Mux
		cancel context.CancelFunc
		done   chan struct{}
	}
)

func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Transport{
		broker: cfg.Broker,
		prefix: cfg.TopicPrefix,
		logger: logger.With().Str("component", "pubsub-transport").Logger(),
	}
}

func (t *Transport) Listen(ctx context.Context, room, self string, accept func(transport.Conn)) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.topic != nil {
		return ErrAlreadyJoined
	}

	topic, err := t.broker.Join(ctx, t.prefix+room)
	if err != nil {
		return err
	}
	mux := transport.NewMux(transport.MuxConfig{
		Self:   self,
		Uplink: func(ann model.Announcement) error { return publish(topic, ann) },
		Logger: &t.logger,
	})
	mux.Accept(accept)

	rctx, cancel := context.WithCancel(context.Background())
	t.self, t.topic, t.mux, t.cancel, t.done = self, topic, mux, cancel, make(chan struct{})
	go t.receive(rctx, topic, mux, self, t.done)

	if err = publish(topic, model.Announcement{SRC: self, Type: model.AnnouncementTypeJoined}); err != nil {
		t.logger.Warn().Err(err).Msg("failed to announce presence")
	}
	t.logger.Debug().Str("room", room).Str("self", self).Msg("joined room topic")
	return nil
}

func (t *Transport) Open(ctx context.Context, remote string) (transport.Conn, error) {
	t.mx.Lock()
	mux := t.mux
	t.mx.Unlock()
	if mux == nil {
		return nil, transport.ErrNotListening
	}
	return mux.Open(ctx, remote)
}

func (t *Transport) Close() error {
	t.mx.Lock()
	topic, mux, cancel, done, self := t.topic, t.mux, t.cancel, t.done, t.self
	t.topic, t.mux = nil, nil
	t.mx.Unlock()
	if topic == nil {
		return nil
	}

	mux.Close()
	if err := publish(topic, model.Announcement{SRC: self, Type: model.AnnouncementTypeLeft}); err != nil {
		t.logger.Debug().Err(err).Msg("failed to announce departure")
	}
	cancel()
	<-done
	return topic.Close()
}

func (t *Transport) receive(ctx context.Context, topic Topic, mux *transport.Mux, self string, done chan<- struct{}) {
	defer close(done)
	for {
		data, err := topic.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Error().Err(err).Msg("room topic lost")
				mux.Drop()
			}
			return
		}
		var ann model.Announcement
		if err = json.Unmarshal(data, &ann); err != nil {
			t.logger.Debug().Err(err).Msg("skipping foreign message on room topic")
			continue
		}
		if ann.SRC == "" || ann.SRC == self || (ann.DST != "" && ann.DST != self) {
			continue
		}
		mux.Deliver(ann)
	}
}

func publish(topic Topic, ann model.Announcement) error {
	b, err := json.Marshal(&ann)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	return topic.Publish(ctx, b)
}
