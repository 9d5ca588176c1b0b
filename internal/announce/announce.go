// Package announce publishes connection changes and chosen options to an
// MQTT broker so a caregiver's device can follow along.
package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mil-ad/eegmenu/internal/connection"
	"github.com/mil-ad/eegmenu/internal/menu"
)

// Sink publishes a payload to a topic.
type Sink interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// StatusMessage is published, retained, on <prefix>/status.
type StatusMessage struct {
	Status    string    `json:"status" msgpack:"status"`
	Session   string    `json:"session,omitempty" msgpack:"session,omitempty"`
	LastError string    `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	At        time.Time `json:"at" msgpack:"at"`
}

// ActivationMessage is published on <prefix>/activation.
type ActivationMessage struct {
	Session string    `json:"session,omitempty" msgpack:"session,omitempty"`
	Option  string    `json:"option" msgpack:"option"`
	Label   string    `json:"label" msgpack:"label"`
	Manual  bool      `json:"manual" msgpack:"manual"`
	At      time.Time `json:"at" msgpack:"at"`
}

type Options struct {
	Prefix   string
	QoS      byte
	Encoding string // json or msgpack
	// Session returns the current connection session id.
	Session func() string
	Logger  *slog.Logger
}

type outgoing struct {
	topic    string
	retained bool
	body     any
}

// Announcer queues messages from the core's observers and publishes them
// from its own goroutine, so a slow broker never stalls navigation.
type Announcer struct {
	sink    Sink
	prefix  string
	qos     byte
	marshal func(any) ([]byte, error)
	session func() string
	log     *slog.Logger
	queue   chan outgoing
}

func New(sink Sink, opts Options) *Announcer {
	if opts.Prefix == "" {
		opts.Prefix = "eegmenu"
	}
	if opts.Session == nil {
		opts.Session = func() string { return "" }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Announcer{
		sink:    sink,
		prefix:  opts.Prefix,
		qos:     opts.QoS,
		marshal: marshaller(opts.Encoding),
		session: opts.Session,
		log:     opts.Logger.With("component", "announce"),
		queue:   make(chan outgoing, 32),
	}
}

// marshaller returns the payload encoder for encoding. Anything but
// msgpack encodes as JSON.
func marshaller(encoding string) func(any) ([]byte, error) {
	if encoding == "msgpack" {
		return msgpack.Marshal
	}
	return json.Marshal
}

// Status queues a status message. It never blocks.
func (a *Announcer) Status(st connection.State) {
	a.enqueue(outgoing{
		topic:    a.prefix + "/status",
		retained: true,
		body: StatusMessage{
			Status:    st.Status.String(),
			Session:   st.Session,
			LastError: st.LastError,
			At:        time.Now().UTC(),
		},
	})
}

// Activation queues an activation message. It never blocks.
func (a *Announcer) Activation(act menu.Activation) {
	at := act.At
	if at.IsZero() {
		at = time.Now()
	}
	a.enqueue(outgoing{
		topic: a.prefix + "/activation",
		body: ActivationMessage{
			Session: a.session(),
			Option:  act.Option.ID,
			Label:   act.Option.Label,
			Manual:  act.Manual,
			At:      at.UTC(),
		},
	})
}

func (a *Announcer) enqueue(m outgoing) {
	select {
	case a.queue <- m:
	default:
		a.log.Warn("announcement dropped, queue full", "topic", m.topic)
	}
}

// Run publishes queued messages until ctx is done.
func (a *Announcer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-a.queue:
			if err := a.publish(m); err != nil {
				a.log.Warn("publish failed", "topic", m.topic, "error", err)
			}
		}
	}
}

func (a *Announcer) publish(m outgoing) error {
	payload, err := a.marshal(m.body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := a.sink.Publish(m.topic, a.qos, m.retained, payload); err != nil {
		return err
	}
	a.log.Debug("published", "topic", m.topic, "size", len(payload))
	return nil
}
