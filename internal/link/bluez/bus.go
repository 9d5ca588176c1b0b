package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// bus wraps a system D-Bus connection for BlueZ operations.
type bus struct {
	conn *dbus.Conn
}

// --- property helpers ---

func (b *bus) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := b.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *bus) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := b.conn.Object(busName, path)
	return obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (b *bus) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *bus) call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) error {
	obj := b.conn.Object(busName, path)
	return obj.CallWithContext(ctx, method, 0, args...).Err
}

func (b *bus) managedObjects() (managedObjects, error) {
	var objs managedObjects
	obj := b.conn.Object(busName, "/")
	if err := obj.Call(objMgrIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

// --- signal subscription ---

// subscription is a match-rule registration with its own signal channel.
// godbus delivers every signal to every registered channel, so readers
// filter by path and member themselves.
type subscription struct {
	b     *bus
	rules []string
	ch    chan *dbus.Signal
	done  chan struct{}
	once  sync.Once
}

func (b *bus) subscribe(rules ...string) *subscription {
	for _, rule := range rules {
		b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	}
	ch := make(chan *dbus.Signal, 64)
	b.conn.Signal(ch)
	return &subscription{b: b, rules: rules, ch: ch, done: make(chan struct{})}
}

// close drops the match rules and stops the reader. A subscription with no
// bus only owns its channels.
func (s *subscription) close() {
	s.once.Do(func() {
		if s.b != nil && s.b.conn != nil {
			s.b.conn.RemoveSignal(s.ch)
			for _, rule := range s.rules {
				s.b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
			}
		}
		close(s.done)
	})
}
