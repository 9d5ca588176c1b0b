// Package connection owns the link to the headset: discovery, GATT setup,
// notification subscription and teardown.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mil-ad/eegmenu/internal/link"
)

var (
	ErrAlreadyConnecting = errors.New("connection attempt already in progress")
	ErrAlreadyConnected  = errors.New("already connected")

	// ErrLinkLost is returned by Connect when the link drops before setup
	// completes.
	ErrLinkLost = errors.New(lostMessage)
)

const lostMessage = "device disconnected unexpectedly"

// Target names the device and GATT endpoint to connect to.
type Target struct {
	DeviceName         string
	ServiceUUID        string
	CharacteristicUUID string
	// DiscoveryTimeout bounds the discovery step. Zero means no bound
	// beyond the caller's context.
	DiscoveryTimeout time.Duration
}

// DefaultTarget returns the headset's advertised identifiers.
func DefaultTarget() Target {
	return Target{
		DeviceName:         link.DeviceName,
		ServiceUUID:        link.ServiceUUID,
		CharacteristicUUID: link.CharacteristicUUID,
		DiscoveryTimeout:   20 * time.Second,
	}
}

// Options configures a Manager.
type Options struct {
	Target Target
	// OnFrame receives every notification payload while connected.
	OnFrame func([]byte)
	// OnReset is called after every transition out of Connected.
	OnReset func()
	Logger  *slog.Logger
}

// Manager drives the connection lifecycle. All methods are safe for
// concurrent use.
type Manager struct {
	adapter link.Adapter
	target  Target
	onFrame func([]byte)
	onReset func()
	log     *slog.Logger

	mu          sync.Mutex
	status      Status
	session     string
	lastErr     string
	tearingDown bool
	// lostEarly records a drop reported while the current session was
	// still Connecting.
	lostEarly bool
	device      link.Device
	server      link.Server
	char        link.Characteristic
	attached    *atomic.Bool
	observers   []func(State)
}

// New returns a Manager in the Disconnected state.
func New(adapter link.Adapter, opts Options) *Manager {
	if opts.Target.DeviceName == "" {
		opts.Target = DefaultTarget()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func([]byte) {}
	}
	if opts.OnReset == nil {
		opts.OnReset = func() {}
	}
	return &Manager{
		adapter: adapter,
		target:  opts.Target,
		onFrame: opts.OnFrame,
		onReset: opts.OnReset,
		log:     opts.Logger.With("component", "connection"),
	}
}

// Observe registers fn to be called after every status change. fn runs on
// the goroutine that caused the change and must not block.
func (m *Manager) Observe(fn func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether the link is up.
func (m *Manager) Connected() bool {
	return m.Status() == Connected
}

// LastError returns the message of the most recent failed attempt or link
// loss. It is cleared when a new attempt starts.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	return State{Status: m.status, Session: m.session, LastError: m.lastErr}
}

// Connect runs discovery, GATT connection, service and characteristic
// resolution and subscription in sequence. Any failure leaves the manager
// Disconnected with LastError set; nothing is retried.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.status == Connecting:
		m.mu.Unlock()
		return ErrAlreadyConnecting
	case m.status == Connected || m.tearingDown:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	session := uuid.NewString()
	m.session = session
	m.lastErr = ""
	m.lostEarly = false
	m.device, m.server, m.char = nil, nil, nil
	m.status = Connecting
	st, obs := m.stateLocked(), m.observersLocked()
	m.mu.Unlock()
	notify(obs, st)

	log := m.log.With("session", session)
	log.Info("connecting", "device", m.target.DeviceName)
	start := time.Now()

	attached := new(atomic.Bool)
	dev, srv, char, err := m.establish(ctx, log, attached, func() { m.linkLost(session) })
	if err != nil {
		log.Warn("connect failed", "error", err)
		m.mu.Lock()
		m.lastErr = err.Error()
		m.status = Disconnected
		st, obs = m.stateLocked(), m.observersLocked()
		m.mu.Unlock()
		notify(obs, st)
		return err
	}

	// Frames may flow as soon as the manager says Connected.
	attached.Store(true)
	m.mu.Lock()
	if m.lostEarly {
		attached.Store(false)
		m.lostEarly = false
		m.lastErr = lostMessage
		m.status = Disconnected
		st, obs = m.stateLocked(), m.observersLocked()
		m.mu.Unlock()
		log.Warn("link lost during setup")
		m.onReset()
		notify(obs, st)
		return ErrLinkLost
	}
	m.device, m.server, m.char = dev, srv, char
	m.attached = attached
	m.status = Connected
	st, obs = m.stateLocked(), m.observersLocked()
	m.mu.Unlock()

	log.Info("connected", "address", dev.Address(), "elapsed", time.Since(start).Round(time.Millisecond))
	notify(obs, st)
	return nil
}

func (m *Manager) establish(ctx context.Context, log *slog.Logger, attached *atomic.Bool, lost func()) (link.Device, link.Server, link.Characteristic, error) {
	dctx := ctx
	if m.target.DiscoveryTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, m.target.DiscoveryTimeout)
		defer cancel()
	}
	dev, err := m.adapter.Discover(dctx, m.target.DeviceName)
	if err != nil {
		return nil, nil, nil, classify(link.ErrDiscoveryFailed, err)
	}
	log.Debug("device found", "address", dev.Address())

	srv, err := dev.Connect(ctx)
	if err != nil {
		return nil, nil, nil, classify(link.ErrGattConnectFailed, err)
	}
	// Watch for drops before anything else so none goes unseen.
	dev.OnUnexpectedDisconnect(lost)
	// From here on a failure must close the half-open link.
	fail := func(err error) (link.Device, link.Server, link.Characteristic, error) {
		if cerr := srv.Disconnect(); cerr != nil {
			log.Debug("close after failed connect", "error", cerr)
		}
		return nil, nil, nil, err
	}

	svc, err := srv.Service(ctx, m.target.ServiceUUID)
	if err != nil {
		return fail(classify(link.ErrServiceOrCharacteristicMissing, fmt.Errorf("service %s: %w", m.target.ServiceUUID, err)))
	}
	char, err := svc.Characteristic(ctx, m.target.CharacteristicUUID)
	if err != nil {
		return fail(classify(link.ErrServiceOrCharacteristicMissing, fmt.Errorf("characteristic %s: %w", m.target.CharacteristicUUID, err)))
	}

	err = char.Subscribe(func(frame []byte) {
		if attached.Load() {
			m.onFrame(frame)
		}
	})
	if err != nil {
		return fail(classify(link.ErrSubscriptionFailed, err))
	}
	return dev, srv, char, nil
}

// classify tags err with the step's sentinel unless the transport already
// reported itself unusable.
func classify(step, err error) error {
	if errors.Is(err, link.ErrTransportUnsupported) || errors.Is(err, step) {
		return err
	}
	return fmt.Errorf("%w: %w", step, err)
}

// Disconnect tears the link down. It never fails from the caller's point of
// view: step errors are logged and the manager always ends Disconnected.
// Calling it when not connected only drops stale handles.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status != Connected || m.tearingDown {
		if m.status == Disconnected {
			m.device, m.server, m.char = nil, nil, nil
		}
		m.mu.Unlock()
		return
	}
	m.tearingDown = true
	srv, char, attached, session := m.server, m.char, m.attached, m.session
	m.mu.Unlock()

	log := m.log.With("session", session)
	if char != nil {
		if err := char.Unsubscribe(); err != nil {
			log.Warn("unsubscribe failed", "error", err)
		}
	}
	if attached != nil {
		attached.Store(false)
	}
	if srv != nil {
		if err := srv.Disconnect(); err != nil {
			log.Warn("disconnect failed", "error", err)
		}
	}

	m.mu.Lock()
	m.tearingDown = false
	m.device, m.server, m.char, m.attached = nil, nil, nil, nil
	m.status = Disconnected
	st, obs := m.stateLocked(), m.observersLocked()
	m.mu.Unlock()

	log.Info("disconnected")
	m.onReset()
	notify(obs, st)
}

// linkLost handles a drop reported by the transport. It performs no GATT
// calls since the link is already gone. A drop during setup is left for
// Connect to report.
func (m *Manager) linkLost(session string) {
	m.mu.Lock()
	if m.session != session || m.tearingDown {
		m.mu.Unlock()
		return
	}
	switch m.status {
	case Connecting:
		m.lostEarly = true
		m.mu.Unlock()
		return
	case Disconnected:
		m.mu.Unlock()
		return
	}
	if m.attached != nil {
		m.attached.Store(false)
	}
	m.device, m.server, m.char, m.attached = nil, nil, nil, nil
	m.status = Disconnected
	m.lastErr = lostMessage
	st, obs := m.stateLocked(), m.observersLocked()
	m.mu.Unlock()

	m.log.Warn("link lost", "session", session)
	m.onReset()
	notify(obs, st)
}

func (m *Manager) observersLocked() []func(State) {
	var obs []func(State)
	return append(obs, m.observers...)
}

func notify(obs []func(State), st State) {
	for _, fn := range obs {
		fn(st)
	}
}
