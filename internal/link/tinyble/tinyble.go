// Package tinyble implements link.Adapter with tinygo.org/x/bluetooth, for
// hosts where talking to BlueZ directly is not an option.
package tinyble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/mil-ad/eegmenu/internal/link"
)

// Adapter wraps a bluetooth.Adapter. The adapter is enabled on first use.
type Adapter struct {
	bt  *bluetooth.Adapter
	log *slog.Logger

	mu      sync.Mutex
	enabled bool
	lost    map[string]func()
}

var _ link.Adapter = (*Adapter)(nil)

// New wraps bluetooth.DefaultAdapter.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		bt:   bluetooth.DefaultAdapter,
		log:  logger.With("component", "tinyble"),
		lost: make(map[string]func()),
	}
}

func (a *Adapter) enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.bt.Enable(); err != nil {
		return fmt.Errorf("%w: %v", link.ErrTransportUnsupported, err)
	}
	a.bt.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := d.Address.String()
		a.mu.Lock()
		fn := a.lost[addr]
		delete(a.lost, addr)
		a.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	a.enabled = true
	return nil
}

// Discover scans until a device advertising name is seen or ctx is done.
func (a *Adapter) Discover(ctx context.Context, name string) (link.Device, error) {
	if err := a.enable(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.bt.StopScan()
		case <-done:
		}
	}()

	var (
		found  bluetooth.ScanResult
		ok     bool
		foundM sync.Mutex
	)
	err := a.bt.Scan(func(ad *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.LocalName() != name {
			return
		}
		foundM.Lock()
		if !ok {
			found, ok = result, true
			ad.StopScan()
		}
		foundM.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	foundM.Lock()
	defer foundM.Unlock()
	if !ok {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("no device named %q: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("no device named %q", name)
	}
	a.log.Debug("device found", "address", found.Address.String(), "rssi", found.RSSI)
	return &device{a: a, addr: found.Address}, nil
}

type device struct {
	a    *Adapter
	addr bluetooth.Address

	mu  sync.Mutex
	dev bluetooth.Device
	fn  func()
}

func (d *device) Address() string { return d.addr.String() }

func (d *device) Connect(ctx context.Context) (link.Server, error) {
	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := d.a.bt.Connect(d.addr, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		d.mu.Lock()
		d.dev = r.dev
		d.mu.Unlock()
		return &server{d: d}, nil
	case <-ctx.Done():
		// The connect cannot be aborted; drop the link if it completes.
		go func() {
			if r := <-ch; r.err == nil {
				r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (d *device) OnUnexpectedDisconnect(fn func()) {
	d.a.mu.Lock()
	d.a.lost[d.addr.String()] = fn
	d.a.mu.Unlock()
}

type server struct {
	d *device
}

func (s *server) Service(ctx context.Context, uuid string) (link.Service, error) {
	id, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	s.d.mu.Lock()
	dev := s.d.dev
	s.d.mu.Unlock()
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", uuid)
	}
	return &service{svc: svcs[0]}, nil
}

func (s *server) Disconnect() error {
	s.d.a.mu.Lock()
	delete(s.d.a.lost, s.d.addr.String())
	s.d.a.mu.Unlock()
	s.d.mu.Lock()
	dev := s.d.dev
	s.d.mu.Unlock()
	return dev.Disconnect()
}

type service struct {
	svc bluetooth.DeviceService
}

func (s *service) Characteristic(ctx context.Context, uuid string) (link.Characteristic, error) {
	id, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", uuid)
	}
	return &characteristic{char: chars[0]}, nil
}

type characteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *characteristic) Subscribe(fn func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		fn(buf)
	})
}

// Unsubscribe disables notifications; the library treats a nil callback
// as a request to stop.
func (c *characteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
