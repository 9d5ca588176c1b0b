package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mil-ad/eegmenu/internal/link"
	"github.com/mil-ad/eegmenu/internal/link/linktest"
	"github.com/mil-ad/eegmenu/internal/menu"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type rig struct {
	adapter *linktest.Adapter
	mgr     *Manager
	machine *menu.Machine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{adapter: linktest.NewHeadset()}
	var mgr *Manager
	r.machine = menu.New(menu.Config{
		Connected: func() bool { return mgr.Connected() },
		Logger:    quiet,
	})
	mgr = New(r.adapter, Options{
		OnFrame: r.machine.HandleFrame,
		OnReset: r.machine.Reset,
		Logger:  quiet,
	})
	r.mgr = mgr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.machine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func (r *rig) state(t *testing.T) menu.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.machine.Flush(ctx); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	return r.machine.Snapshot()
}

func TestConnect(t *testing.T) {
	r := newRig(t)
	var seen []Status
	r.mgr.Observe(func(s State) { seen = append(seen, s.Status) })

	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if got := r.mgr.Status(); got != Connected {
		t.Errorf("Status() = %v; want connected", got)
	}
	if r.mgr.State().Session == "" {
		t.Error("no session assigned")
	}
	want := []string{linktest.StepDiscover, linktest.StepConnect, linktest.StepService, linktest.StepCharacteristic, linktest.StepSubscribe}
	if got := r.adapter.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v; want %v", got, want)
	}
	if len(seen) != 2 || seen[0] != Connecting || seen[1] != Connected {
		t.Errorf("observed %v; want [connecting connected]", seen)
	}

	if err := r.mgr.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() = %v; want ErrAlreadyConnected", err)
	}
}

func TestObserverAddedDuringNotify(t *testing.T) {
	r := newRig(t)
	var late []Status
	var once sync.Once
	r.mgr.Observe(func(State) {
		once.Do(func() {
			r.mgr.Observe(func(s State) { late = append(late, s.Status) })
		})
	})

	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(late) != 1 || late[0] != Connected {
		t.Errorf("late observer saw %v; want [connected]", late)
	}
}

func TestFramesFlowOnceConnectedIsObserved(t *testing.T) {
	r := newRig(t)
	r.mgr.Observe(func(s State) {
		if s.Status == Connected {
			r.adapter.Notify([]byte{0x00})
		}
	})
	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r.state(t); !got.MenuActive {
		t.Errorf("frame sent on Connected was dropped: %+v", got)
	}
}

func TestLinkLostDuringSetup(t *testing.T) {
	r := newRig(t)
	release := r.adapter.Block(linktest.StepSubscribe)
	defer release()

	var seen []Status
	var mu sync.Mutex
	r.mgr.Observe(func(s State) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	errc := make(chan error, 1)
	go func() { errc <- r.mgr.Connect(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !strings.Contains(strings.Join(r.adapter.Calls(), ","), linktest.StepSubscribe) {
		if time.Now().After(deadline) {
			t.Fatal("never reached subscribe")
		}
		time.Sleep(time.Millisecond)
	}
	r.adapter.DropLink()
	if got := r.mgr.Status(); got != Connecting {
		t.Errorf("Status() after early drop = %v; want connecting", got)
	}
	release()

	if err := <-errc; !errors.Is(err, ErrLinkLost) {
		t.Errorf("Connect() = %v; want ErrLinkLost", err)
	}
	if got := r.mgr.Status(); got != Disconnected {
		t.Errorf("Status() = %v; want disconnected", got)
	}
	if got := r.mgr.LastError(); got != lostMessage {
		t.Errorf("LastError() = %q; want %q", got, lostMessage)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s == Connected {
			t.Errorf("observed %v; a dead link was reported as connected", seen)
		}
	}

	// The next attempt starts clean.
	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect = %v", err)
	}
	if r.mgr.LastError() != "" {
		t.Errorf("LastError() = %q after reconnect", r.mgr.LastError())
	}
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		step      string
		sentinel  error
		linkOpen  bool
		wantCalls int
	}{
		{linktest.StepDiscover, link.ErrDiscoveryFailed, false, 1},
		{linktest.StepConnect, link.ErrGattConnectFailed, false, 2},
		{linktest.StepService, link.ErrServiceOrCharacteristicMissing, false, 4},
		{linktest.StepCharacteristic, link.ErrServiceOrCharacteristicMissing, false, 5},
		{linktest.StepSubscribe, link.ErrSubscriptionFailed, false, 6},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			r := newRig(t)
			r.adapter.Fail(tt.step, errors.New("boom"))

			before := r.state(t)
			err := r.mgr.Connect(context.Background())
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("Connect() = %v; want %v", err, tt.sentinel)
			}
			if got := r.mgr.Status(); got != Disconnected {
				t.Errorf("Status() = %v; want disconnected", got)
			}
			if msg := r.mgr.LastError(); msg == "" || !strings.Contains(msg, "boom") {
				t.Errorf("LastError() = %q", msg)
			}
			if r.adapter.LinkOpen() != tt.linkOpen {
				t.Errorf("link left open after failed connect")
			}
			if n := len(r.adapter.Calls()); n != tt.wantCalls {
				t.Errorf("calls = %v; want %d", r.adapter.Calls(), tt.wantCalls)
			}
			if got := r.state(t); got != before {
				t.Errorf("navigation changed: %+v -> %+v", before, got)
			}
		})
	}
}

func TestConnectFailsAtGattConnect(t *testing.T) {
	r := newRig(t)
	r.adapter.Fail(linktest.StepConnect, errors.New("le-connection-abort-by-local"))

	if err := r.mgr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() succeeded")
	}
	st := r.mgr.State()
	if st.Status != Disconnected || st.LastError == "" {
		t.Errorf("state = %+v", st)
	}
	if got := r.state(t); got != (menu.State{}) {
		t.Errorf("navigation = %+v; want empty", got)
	}

	// Operator retry succeeds and clears the error.
	r.adapter.Fail(linktest.StepConnect, nil)
	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatalf("retry Connect() = %v", err)
	}
	if msg := r.mgr.LastError(); msg != "" {
		t.Errorf("LastError() after success = %q", msg)
	}
}

func TestTransportUnsupportedNotWrapped(t *testing.T) {
	r := newRig(t)
	r.adapter.Fail(linktest.StepDiscover, link.ErrTransportUnsupported)
	err := r.mgr.Connect(context.Background())
	if !errors.Is(err, link.ErrTransportUnsupported) || errors.Is(err, link.ErrDiscoveryFailed) {
		t.Errorf("Connect() = %v; want bare ErrTransportUnsupported", err)
	}
}

func TestConcurrentConnectRejected(t *testing.T) {
	r := newRig(t)
	release := r.adapter.Block(linktest.StepDiscover)

	errc := make(chan error, 1)
	go func() { errc <- r.mgr.Connect(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for r.mgr.Status() != Connecting {
		if time.Now().After(deadline) {
			t.Fatal("never reached connecting")
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.mgr.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnecting) {
		t.Errorf("concurrent Connect() = %v; want ErrAlreadyConnecting", err)
	}
	release()
	if err := <-errc; err != nil {
		t.Fatalf("first Connect() = %v", err)
	}
	if n := strings.Count(strings.Join(r.adapter.Calls(), ","), linktest.StepDiscover); n != 1 {
		t.Errorf("discover ran %d times; want 1", n)
	}
}

func TestDiscoveryTimeout(t *testing.T) {
	a := linktest.NewHeadset()
	target := DefaultTarget()
	target.DiscoveryTimeout = 10 * time.Millisecond
	mgr := New(a, Options{Target: target, Logger: quiet})
	release := a.Block(linktest.StepDiscover)
	defer release()

	err := mgr.Connect(context.Background())
	if !errors.Is(err, link.ErrDiscoveryFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() = %v; want discovery failure from deadline", err)
	}
}

func TestFramesReachMachine(t *testing.T) {
	r := newRig(t)
	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.adapter.Notify([]byte{0x00})
	r.adapter.Notify([]byte{'S', 3})
	want := menu.State{MenuActive: true, CurrentIndex: 3, SelectedOptionID: "outing"}
	if got := r.state(t); got != want {
		t.Errorf("state = %+v; want %+v", got, want)
	}
}

func TestDisconnect(t *testing.T) {
	r := newRig(t)
	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.adapter.Notify([]byte{'A', 2})
	if got := r.state(t); got.ActiveSelectionID != "help" {
		t.Fatalf("state = %+v", got)
	}

	r.mgr.Disconnect()
	if got := r.mgr.Status(); got != Disconnected {
		t.Errorf("Status() = %v", got)
	}
	if r.adapter.Subscribed() || r.adapter.LinkOpen() {
		t.Error("link not torn down")
	}
	if got := r.state(t); got != (menu.State{}) {
		t.Errorf("navigation = %+v; want empty", got)
	}
	if r.adapter.Notify([]byte{0x00}) {
		t.Error("frame delivered after disconnect")
	}

	// Idempotent.
	n := len(r.adapter.Calls())
	r.mgr.Disconnect()
	if len(r.adapter.Calls()) != n {
		t.Error("second Disconnect() touched the transport")
	}
}

func TestDisconnectAbsorbsErrors(t *testing.T) {
	r := newRig(t)
	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.adapter.Fail(linktest.StepUnsubscribe, errors.New("not permitted"))
	r.adapter.Fail(linktest.StepDisconnect, errors.New("not connected"))

	r.mgr.Disconnect()
	if got := r.mgr.Status(); got != Disconnected {
		t.Errorf("Status() = %v; want disconnected", got)
	}
	// The handler is detached even though the transport refused to stop.
	if r.adapter.Notify([]byte{0x00}) {
		if got := r.state(t); got.MenuActive {
			t.Error("frame reached the menu after disconnect")
		}
	}
}

func TestDisconnectWhenIdle(t *testing.T) {
	r := newRig(t)
	r.mgr.Disconnect()
	if len(r.adapter.Calls()) != 0 || r.mgr.Status() != Disconnected {
		t.Error("Disconnect() while idle was not a no-op")
	}
}

func TestUnexpectedDisconnect(t *testing.T) {
	r := newRig(t)
	if err := r.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.adapter.Notify([]byte{0x00})
	r.adapter.Notify([]byte{'S', 4})
	if got := r.state(t); !got.MenuActive || got.CurrentIndex != 4 {
		t.Fatalf("state = %+v", got)
	}

	calls := len(r.adapter.Calls())
	r.adapter.DropLink()

	if got := r.mgr.Status(); got != Disconnected {
		t.Errorf("Status() = %v; want disconnected", got)
	}
	if got := r.state(t); got != (menu.State{}) {
		t.Errorf("navigation = %+v; want empty", got)
	}
	if len(r.adapter.Calls()) != calls {
		t.Errorf("teardown calls made after link loss: %v", r.adapter.Calls()[calls:])
	}
	if r.mgr.LastError() == "" {
		t.Error("link loss not recorded")
	}
	// No reconnection attempt.
	time.Sleep(10 * time.Millisecond)
	if len(r.adapter.Calls()) != calls {
		t.Error("manager reconnected on its own")
	}
}

func TestStaleLostCallbackIgnored(t *testing.T) {
	r := newRig(t)
	var mu sync.Mutex
	resets := 0
	mgr := New(r.adapter, Options{
		Logger:  quiet,
		OnReset: func() { mu.Lock(); resets++; mu.Unlock() },
	})
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	session := mgr.State().Session
	mgr.Disconnect()
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	mgr.linkLost(session)
	if mgr.Status() != Connected {
		t.Error("callback from an old session tore down the new one")
	}
	mu.Lock()
	defer mu.Unlock()
	if resets != 1 {
		t.Errorf("resets = %d; want 1", resets)
	}
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{Disconnected, Connecting, Connected} {
		b, _ := s.MarshalText()
		var got Status
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("round trip %v: got %v, %v", s, got, err)
		}
	}
	var s Status
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText accepted bogus status")
	}
}
