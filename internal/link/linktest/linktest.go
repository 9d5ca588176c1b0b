// Package linktest provides an in-memory link.Adapter for tests and for
// running the daemon without a headset.
package linktest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mil-ad/eegmenu/internal/link"
)

// Step names used for failure injection and call recording.
const (
	StepDiscover       = "discover"
	StepConnect        = "connect"
	StepService        = "service"
	StepCharacteristic = "characteristic"
	StepSubscribe      = "subscribe"
	StepUnsubscribe    = "unsubscribe"
	StepDisconnect     = "disconnect"
)

// Adapter is a scripted fake. The zero value is not usable; call New.
type Adapter struct {
	mu       sync.Mutex
	name     string
	service  string
	char     string
	failures map[string]error
	calls    []string
	gates    map[string]chan struct{}

	notify     func([]byte)
	onLost     func()
	linkOpen   bool
	subscribed bool
}

// New returns an adapter that exposes a single device with the given name
// and GATT identifiers.
func New(name, serviceUUID, charUUID string) *Adapter {
	return &Adapter{
		name:     name,
		service:  strings.ToLower(serviceUUID),
		char:     strings.ToLower(charUUID),
		failures: make(map[string]error),
		gates:    make(map[string]chan struct{}),
	}
}

// NewHeadset returns an adapter advertising the headset's identifiers.
func NewHeadset() *Adapter {
	return New(link.DeviceName, link.ServiceUUID, link.CharacteristicUUID)
}

// Fail makes the named step return err until cleared with Fail(step, nil).
func (a *Adapter) Fail(step string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, step)
		return
	}
	a.failures[step] = err
}

// Block makes the named step wait until the returned release func is
// called or the step's context is done.
func (a *Adapter) Block(step string) (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.gates[step] = ch
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.gates, step)
			a.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns the steps performed so far, in order.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// Subscribed reports whether notifications are currently enabled.
func (a *Adapter) Subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribed
}

// LinkOpen reports whether a GATT connection is open.
func (a *Adapter) LinkOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.linkOpen
}

// Notify delivers a frame to the subscriber, if any. It reports whether the
// frame was delivered.
func (a *Adapter) Notify(frame []byte) bool {
	a.mu.Lock()
	fn := a.notify
	ok := a.subscribed
	a.mu.Unlock()
	if fn == nil || !ok {
		return false
	}
	fn(append([]byte(nil), frame...))
	return true
}

// DropLink simulates the device going out of range.
func (a *Adapter) DropLink() {
	a.mu.Lock()
	fn := a.onLost
	a.onLost = nil
	a.linkOpen = false
	a.subscribed = false
	a.notify = nil
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (a *Adapter) step(ctx context.Context, name string) error {
	a.mu.Lock()
	a.calls = append(a.calls, name)
	gate := a.gates[name]
	err := a.failures[name]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (a *Adapter) Discover(ctx context.Context, name string) (link.Device, error) {
	if err := a.step(ctx, StepDiscover); err != nil {
		return nil, err
	}
	if name != a.name {
		return nil, fmt.Errorf("no device named %q", name)
	}
	return &device{a: a}, nil
}

type device struct{ a *Adapter }

func (d *device) Address() string { return "00:00:00:00:00:00" }

func (d *device) Connect(ctx context.Context) (link.Server, error) {
	if err := d.a.step(ctx, StepConnect); err != nil {
		return nil, err
	}
	d.a.mu.Lock()
	d.a.linkOpen = true
	d.a.mu.Unlock()
	return &server{a: d.a}, nil
}

func (d *device) OnUnexpectedDisconnect(fn func()) {
	d.a.mu.Lock()
	d.a.onLost = fn
	d.a.mu.Unlock()
}

type server struct{ a *Adapter }

func (s *server) Service(ctx context.Context, uuid string) (link.Service, error) {
	if err := s.a.step(ctx, StepService); err != nil {
		return nil, err
	}
	if strings.ToLower(uuid) != s.a.service {
		return nil, fmt.Errorf("service %s not found", uuid)
	}
	return &service{a: s.a}, nil
}

func (s *server) Disconnect() error {
	if err := s.a.step(context.Background(), StepDisconnect); err != nil {
		return err
	}
	s.a.mu.Lock()
	s.a.linkOpen = false
	s.a.onLost = nil
	s.a.mu.Unlock()
	return nil
}

type service struct{ a *Adapter }

func (s *service) Characteristic(ctx context.Context, uuid string) (link.Characteristic, error) {
	if err := s.a.step(ctx, StepCharacteristic); err != nil {
		return nil, err
	}
	if strings.ToLower(uuid) != s.a.char {
		return nil, fmt.Errorf("characteristic %s not found", uuid)
	}
	return &characteristic{a: s.a}, nil
}

type characteristic struct{ a *Adapter }

func (c *characteristic) Subscribe(fn func([]byte)) error {
	if err := c.a.step(context.Background(), StepSubscribe); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("nil notification handler")
	}
	c.a.mu.Lock()
	c.a.notify = fn
	c.a.subscribed = true
	c.a.mu.Unlock()
	return nil
}

func (c *characteristic) Unsubscribe() error {
	if err := c.a.step(context.Background(), StepUnsubscribe); err != nil {
		return err
	}
	c.a.mu.Lock()
	c.a.subscribed = false
	c.a.notify = nil
	c.a.mu.Unlock()
	return nil
}
