// Package menu implements the pictogram navigation state machine driven by
// headset events.
//
// All state changes happen on the goroutine running Machine.Run, which
// consumes a single queue of navigation events, manual taps, resets and
// timer expiries in arrival order. Other goroutines only enqueue messages
// and read snapshots.
package menu

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mil-ad/eegmenu/internal/protocol"
)

var (
	ErrNotConnected  = errors.New("headset not connected")
	ErrUnknownOption = errors.New("unknown option")
	ErrStopped       = errors.New("menu stopped")
)

// DefaultActivationHold is how long an activated option stays flagged.
const DefaultActivationHold = 3 * time.Second

// State is the navigation state seen by the presentation layer.
type State struct {
	MenuActive        bool   `json:"menu_active" msgpack:"menu_active"`
	CurrentIndex      int    `json:"current_index" msgpack:"current_index"`
	SelectedOptionID  string `json:"selected_option_id,omitempty" msgpack:"selected_option_id,omitempty"`
	ActiveSelectionID string `json:"active_selection_id,omitempty" msgpack:"active_selection_id,omitempty"`
}

// Player plays a feedback sound. Implementations must not block and must
// swallow their own failures.
type Player interface {
	Play(soundID string)
}

// Activation describes an option chosen either by the headset or by a
// direct tap.
type Activation struct {
	Option Option
	Manual bool
	At     time.Time
}

// Config configures a Machine. Zero fields take defaults.
type Config struct {
	Options        []Option
	Player         Player
	Clock          Clock
	ActivationHold time.Duration
	SelectSound    string
	// Connected gates manual taps. Nil means taps are always refused.
	Connected func() bool
	Logger    *slog.Logger
	QueueSize int
}

type (
	eventMsg  struct{ ev protocol.Event }
	resetMsg  struct{}
	expireMsg struct{ gen uint64 }
	flushMsg  struct{ done chan struct{} }
	tapMsg    struct {
		id    string
		reply chan error
	}
)

// Machine is the navigation state machine.
type Machine struct {
	options     []Option
	player      Player
	clock       Clock
	hold        time.Duration
	selectSound string
	connected   func() bool
	log         *slog.Logger

	inbox   chan any
	done    chan struct{}
	runOnce sync.Once

	// owned by the Run goroutine
	state  State
	expiry Timer
	gen    uint64

	mu          sync.RWMutex
	snap        State
	observers   []func(State)
	activations []func(Activation)
}

// New returns a Machine in the empty initial state. Call Run to start
// processing.
func New(cfg Config) *Machine {
	if len(cfg.Options) == 0 {
		cfg.Options = DefaultOptions()
	}
	if cfg.Player == nil {
		cfg.Player = nopPlayer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.ActivationHold <= 0 {
		cfg.ActivationHold = DefaultActivationHold
	}
	if cfg.SelectSound == "" {
		cfg.SelectSound = SelectSound
	}
	if cfg.Connected == nil {
		cfg.Connected = func() bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Machine{
		options:     append([]Option(nil), cfg.Options...),
		player:      cfg.Player,
		clock:       cfg.Clock,
		hold:        cfg.ActivationHold,
		selectSound: cfg.SelectSound,
		connected:   cfg.Connected,
		log:         cfg.Logger.With("component", "menu"),
		inbox:       make(chan any, cfg.QueueSize),
		done:        make(chan struct{}),
	}
}

// Options returns the board in protocol order.
func (m *Machine) Options() []Option {
	return append([]Option(nil), m.options...)
}

// Snapshot returns the state after the most recently processed message.
func (m *Machine) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Observe registers fn to be called from the Run goroutine after every
// state change. fn must not block.
func (m *Machine) Observe(fn func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// OnActivate registers fn to be called from the Run goroutine whenever an
// option is activated or selected by tap. fn must not block.
func (m *Machine) OnActivate(fn func(Activation)) {
	m.mu.Lock()
	m.activations = append(m.activations, fn)
	m.mu.Unlock()
}

// Post queues a navigation event. Events are applied in the order posted.
func (m *Machine) Post(ev protocol.Event) {
	m.enqueue(eventMsg{ev: ev})
}

// HandleFrame decodes a raw notification and queues the resulting event.
// Frames of unknown shape are dropped.
func (m *Machine) HandleFrame(frame []byte) {
	ev, ok := protocol.Decode(frame)
	if !ok {
		m.log.Debug("ignoring frame", "frame", frame)
		return
	}
	m.Post(ev)
}

// Reset queues a return to the empty initial state.
func (m *Machine) Reset() {
	m.enqueue(resetMsg{})
}

// Tap toggles the selection of the option with the given id, as a direct
// pointer selection would. It waits until the tap has been applied.
func (m *Machine) Tap(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	if !m.enqueueCtx(ctx, tapMsg{id: id, reply: reply}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// Flush waits until every message queued before the call is processed.
func (m *Machine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !m.enqueueCtx(ctx, flushMsg{done: done}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

func (m *Machine) enqueue(msg any) {
	select {
	case m.inbox <- msg:
	case <-m.done:
	}
}

func (m *Machine) enqueueCtx(ctx context.Context, msg any) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	}
}

// Run processes queued messages until ctx is done. It may be called once.
func (m *Machine) Run(ctx context.Context) error {
	err := ErrStopped
	m.runOnce.Do(func() {
		defer close(m.done)
		defer m.stopTimer()
		for {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return
			case msg := <-m.inbox:
				m.dispatch(msg)
			}
		}
	})
	return err
}

func (m *Machine) dispatch(msg any) {
	var activated *Activation
	switch msg := msg.(type) {
	case eventMsg:
		activated = m.apply(msg.ev)
	case tapMsg:
		var err error
		activated, err = m.tap(msg.id)
		msg.reply <- err
	case resetMsg:
		m.stopTimer()
		m.state = State{}
	case expireMsg:
		if msg.gen == m.gen && m.expiry != nil {
			m.expiry = nil
			m.state.ActiveSelectionID = ""
		}
	case flushMsg:
		close(msg.done)
		return
	}
	m.publish(activated)
}

func (m *Machine) apply(ev protocol.Event) *Activation {
	switch ev.Kind {
	case protocol.MenuOpened:
		m.stopTimer()
		m.state.MenuActive = true
		m.state.CurrentIndex = 1
		m.state.SelectedOptionID = m.optionAt(1).ID
		m.state.ActiveSelectionID = ""

	case protocol.MenuTimedOut:
		m.stopTimer()
		m.state = State{}

	case protocol.IndexChanged:
		prev := m.state.CurrentIndex
		m.stopTimer()
		m.state.MenuActive = true
		m.state.ActiveSelectionID = ""
		if !m.inRange(ev.Index) {
			m.log.Debug("highlight index out of range", "index", ev.Index)
			m.state.CurrentIndex = 0
			m.state.SelectedOptionID = ""
			return nil
		}
		m.state.CurrentIndex = ev.Index
		m.state.SelectedOptionID = m.optionAt(ev.Index).ID
		if ev.Index != prev {
			m.player.Play(m.selectSound)
		}

	case protocol.OptionActivated:
		if !m.inRange(ev.Index) {
			m.log.Debug("activation index out of range", "index", ev.Index)
			return nil
		}
		opt := m.optionAt(ev.Index)
		m.state.SelectedOptionID = opt.ID
		m.state.ActiveSelectionID = opt.ID
		m.player.Play(opt.Sound)
		m.startTimer()
		return &Activation{Option: opt, At: time.Now()}
	}
	return nil
}

func (m *Machine) tap(id string) (*Activation, error) {
	if !m.connected() {
		return nil, ErrNotConnected
	}
	var opt Option
	found := false
	for _, o := range m.options {
		if o.ID == id {
			opt, found = o, true
			break
		}
	}
	if !found {
		return nil, ErrUnknownOption
	}
	m.player.Play(opt.Sound)
	if m.state.SelectedOptionID == id {
		m.state.SelectedOptionID = ""
		return nil, nil
	}
	m.state.SelectedOptionID = id
	return &Activation{Option: opt, Manual: true, At: time.Now()}, nil
}

// startTimer replaces any pending expiry with a new one. The generation
// counter makes an expiry that was already queued when it got replaced a
// no-op.
func (m *Machine) startTimer() {
	m.stopTimer()
	gen := m.gen
	m.expiry = m.clock.AfterFunc(m.hold, func() {
		m.enqueue(expireMsg{gen: gen})
	})
}

func (m *Machine) stopTimer() {
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
	m.gen++
}

func (m *Machine) inRange(i int) bool {
	return i >= 1 && i <= len(m.options)
}

func (m *Machine) optionAt(i int) Option {
	return m.options[i-1]
}

func (m *Machine) publish(activated *Activation) {
	m.mu.Lock()
	changed := m.snap != m.state
	m.snap = m.state
	var observers []func(State)
	if changed {
		observers = append(observers, m.observers...)
	}
	var activations []func(Activation)
	if activated != nil {
		activations = append(activations, m.activations...)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(m.state)
	}
	for _, fn := range activations {
		fn(*activated)
	}
}

type nopPlayer struct{}

func (nopPlayer) Play(string) {}
