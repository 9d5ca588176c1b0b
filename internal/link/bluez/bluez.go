// Package bluez implements link.Adapter on top of BlueZ over the system
// D-Bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/mil-ad/eegmenu/internal/link"
)

const (
	busName       = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	serviceIface  = "org.bluez.GattService1"
	charIface     = "org.bluez.GattCharacteristic1"
	propsIface    = "org.freedesktop.DBus.Properties"
	propsSignal   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objMgrIface   = "org.freedesktop.DBus.ObjectManager"
	ifacesAdded   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	errAlreadyCon = "org.bluez.Error.AlreadyConnected"

	resolvePoll = 100 * time.Millisecond
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr, ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(adapter, path dbus.ObjectPath) string {
	s := string(path)
	prefix := string(adapter) + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	s = s[len(prefix):]
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "_", ":")
}

// Adapter is a BlueZ controller such as hci0. The system bus connection is
// opened on first use.
type Adapter struct {
	path dbus.ObjectPath
	log  *slog.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

var _ link.Adapter = (*Adapter)(nil)

// New returns an adapter for the named controller.
func New(name string, logger *slog.Logger) *Adapter {
	if name == "" {
		name = "hci0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		path: dbus.ObjectPath("/org/bluez/" + name),
		log:  logger.With("component", "bluez", "adapter", name),
	}
}

// Close releases the bus connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func (a *Adapter) bus() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return a.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect to system bus: %v", link.ErrTransportUnsupported, err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: list bus names: %v", link.ErrTransportUnsupported, err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("%w: org.bluez not found on system bus, is bluetooth.service running?", link.ErrTransportUnsupported)
	}

	b := &bus{conn: conn}
	powered, err := b.getBool(a.path, adapterIface, "Powered")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: adapter %s: %v", link.ErrTransportUnsupported, a.path, err)
	}
	if !powered {
		a.log.Info("powering on adapter")
		if err := b.setProp(a.path, adapterIface, "Powered", true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: power on %s: %v", link.ErrTransportUnsupported, a.path, err)
		}
	}
	a.conn = conn
	return conn, nil
}

// Discover returns the first device under this adapter whose advertised
// name is name, scanning if BlueZ does not already know it.
func (a *Adapter) Discover(ctx context.Context, name string) (link.Device, error) {
	conn, err := a.bus()
	if err != nil {
		return nil, err
	}
	b := &bus{conn: conn}

	sub := b.subscribe(
		"type='signal',interface='"+objMgrIface+"',member='InterfacesAdded'",
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='"+string(a.path)+"'",
	)
	defer sub.close()

	if path, ok := a.findDevice(b, name); ok {
		return a.device(b, path), nil
	}

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if err := b.call(ctx, a.path, adapterIface+".SetDiscoveryFilter", filter); err != nil {
		a.log.Debug("set discovery filter", "error", err)
	}
	if err := b.call(ctx, a.path, adapterIface+".StartDiscovery"); err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}
	a.log.Debug("discovery started", "name", name)
	defer func() {
		if err := b.call(context.Background(), a.path, adapterIface+".StopDiscovery"); err != nil {
			a.log.Debug("stop discovery", "error", err)
		}
	}()

	// The device may have shown up between the first lookup and
	// StartDiscovery.
	if path, ok := a.findDevice(b, name); ok {
		return a.device(b, path), nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no device named %q: %w", name, ctx.Err())
		case sig := <-sub.ch:
			if path, ok := a.matchDeviceSignal(sig, name); ok {
				return a.device(b, path), nil
			}
		}
	}
}

func (a *Adapter) findDevice(b *bus, name string) (dbus.ObjectPath, bool) {
	objs, err := b.managedObjects()
	if err != nil {
		a.log.Debug("list managed objects", "error", err)
		return "", false
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), string(a.path)+"/") {
			continue
		}
		if stringProp(props, "Name") == name {
			return path, true
		}
	}
	return "", false
}

func (a *Adapter) matchDeviceSignal(sig *dbus.Signal, name string) (dbus.ObjectPath, bool) {
	switch sig.Name {
	case ifacesAdded:
		// Emitted on "/". Body: [object_path, map[interface]map[prop]Variant]
		if len(sig.Body) < 2 {
			return "", false
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || !strings.HasPrefix(string(path), string(a.path)+"/") {
			return "", false
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return "", false
		}
		if props, ok := ifaces[deviceIface]; ok && stringProp(props, "Name") == name {
			return path, true
		}
	case propsSignal:
		// Body: [interface_name, changed_props, invalidated]
		if len(sig.Body) < 2 || !strings.HasPrefix(string(sig.Path), string(a.path)+"/") {
			return "", false
		}
		if iface, ok := sig.Body[0].(string); !ok || iface != deviceIface {
			return "", false
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if ok && stringProp(changed, "Name") == name {
			return sig.Path, true
		}
	}
	return "", false
}

func (a *Adapter) device(b *bus, path dbus.ObjectPath) *device {
	return &device{
		bus:  b,
		path: path,
		addr: macFromPath(a.path, path),
		log:  a.log.With("device", macFromPath(a.path, path)),
		stop: make(chan struct{}),
	}
}

type device struct {
	bus  *bus
	path dbus.ObjectPath
	addr string
	log  *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}

	// notifications holds the live characteristic subscriptions so a
	// dropped link can release them without GATT calls.
	mu            sync.Mutex
	notifications map[*subscription]struct{}
}

func (d *device) track(sub *subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notifications == nil {
		d.notifications = make(map[*subscription]struct{})
	}
	d.notifications[sub] = struct{}{}
}

func (d *device) untrack(sub *subscription) {
	d.mu.Lock()
	delete(d.notifications, sub)
	d.mu.Unlock()
}

// releaseNotifications closes every tracked subscription locally.
func (d *device) releaseNotifications() {
	d.mu.Lock()
	subs := d.notifications
	d.notifications = nil
	d.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (d *device) Address() string { return d.addr }

// Connect opens the LE link and waits for BlueZ to finish resolving GATT
// services.
func (d *device) Connect(ctx context.Context) (link.Server, error) {
	err := d.bus.call(ctx, d.path, deviceIface+".Connect")
	if err != nil && !isDBusError(err, errAlreadyCon) {
		return nil, err
	}
	t := time.NewTicker(resolvePoll)
	defer t.Stop()
	for {
		resolved, err := d.bus.getBool(d.path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return &server{dev: d}, nil
		}
		select {
		case <-ctx.Done():
			d.bus.call(context.Background(), d.path, deviceIface+".Disconnect")
			return nil, fmt.Errorf("waiting for services: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// OnUnexpectedDisconnect watches the device's Connected property. The
// watch ends after fn fires or once the link is closed through
// server.Disconnect.
func (d *device) OnUnexpectedDisconnect(fn func()) {
	sub := d.bus.subscribe(
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path='" + string(d.path) + "'",
	)
	go d.watch(sub, fn)
}

// watch reads sub until the device reports Connected=false or the link is
// closed deliberately. On a drop the notification subscriptions are
// released before fn runs.
func (d *device) watch(sub *subscription, fn func()) {
	defer sub.close()
	for {
		select {
		case <-d.stop:
			return
		case sig := <-sub.ch:
			if sig.Path != d.path || !connectedFalse(sig) {
				continue
			}
			select {
			case <-d.stop:
				return
			default:
			}
			d.log.Debug("device reported disconnect")
			d.releaseNotifications()
			fn()
			return
		}
	}
}

// connectedFalse reports whether sig flips Device1.Connected to false.
func connectedFalse(sig *dbus.Signal) bool {
	if sig.Name != propsSignal || len(sig.Body) < 2 {
		return false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false
	}
	v, ok := changed["Connected"]
	if !ok {
		return false
	}
	connected, ok := v.Value().(bool)
	return ok && !connected
}

type server struct {
	dev *device
}

func (s *server) Service(ctx context.Context, uuid string) (link.Service, error) {
	objs, err := s.dev.bus.managedObjects()
	if err != nil {
		return nil, err
	}
	prefix := string(s.dev.path) + "/"
	for path, ifaces := range objs {
		props, ok := ifaces[serviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if strings.EqualFold(stringProp(props, "UUID"), uuid) {
			return &service{dev: s.dev, path: path}, nil
		}
	}
	return nil, fmt.Errorf("service %s not found on %s", uuid, s.dev.addr)
}

func (s *server) Disconnect() error {
	s.dev.stopOnce.Do(func() { close(s.dev.stop) })
	return s.dev.bus.call(context.Background(), s.dev.path, deviceIface+".Disconnect")
}

type service struct {
	dev  *device
	path dbus.ObjectPath
}

func (s *service) Characteristic(ctx context.Context, uuid string) (link.Characteristic, error) {
	objs, err := s.dev.bus.managedObjects()
	if err != nil {
		return nil, err
	}
	for path, ifaces := range objs {
		props, ok := ifaces[charIface]
		if !ok {
			continue
		}
		owner, _ := props["Service"].Value().(dbus.ObjectPath)
		if owner == s.path && strings.EqualFold(stringProp(props, "UUID"), uuid) {
			return &characteristic{dev: s.dev, path: path}, nil
		}
	}
	return nil, fmt.Errorf("characteristic %s not found in %s", uuid, s.path)
}

type characteristic struct {
	dev  *device
	path dbus.ObjectPath

	mu  sync.Mutex
	sub *subscription
}

// Subscribe enables notifications and forwards each Value change to fn on
// a single goroutine, preserving delivery order.
func (c *characteristic) Subscribe(fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return fmt.Errorf("already subscribed to %s", c.path)
	}
	sub := c.dev.bus.subscribe(
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path='" + string(c.path) + "'",
	)
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case sig := <-sub.ch:
				if value, ok := valueChanged(c.path, sig); ok {
					fn(value)
				}
			}
		}
	}()
	if err := c.dev.bus.call(context.Background(), c.path, charIface+".StartNotify"); err != nil {
		sub.close()
		return err
	}
	c.sub = sub
	c.dev.track(sub)
	return nil
}

func (c *characteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return nil
	}
	err := c.dev.bus.call(context.Background(), c.path, charIface+".StopNotify")
	c.dev.untrack(c.sub)
	c.sub.close()
	c.sub = nil
	return err
}

// valueChanged extracts a new characteristic value from a
// PropertiesChanged signal.
func valueChanged(path dbus.ObjectPath, sig *dbus.Signal) ([]byte, bool) {
	if sig.Path != path || sig.Name != propsSignal || len(sig.Body) < 2 {
		return nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != charIface {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	v, ok := changed["Value"]
	if !ok {
		return nil, false
	}
	value, ok := v.Value().([]byte)
	return value, ok
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func isDBusError(err error, name string) bool {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name == name
	}
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name == name
	}
	return false
}
