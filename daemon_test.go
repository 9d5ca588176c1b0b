package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mil-ad/eegmenu/internal/connection"
	"github.com/mil-ad/eegmenu/internal/link/linktest"
	"github.com/mil-ad/eegmenu/internal/menu"
	"github.com/mil-ad/eegmenu/internal/protocol"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testDaemon struct {
	*daemon
	headset *linktest.Adapter
	mgr     *connection.Manager
	machine *menu.Machine
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	headset := linktest.NewHeadset()
	var mgr *connection.Manager
	machine := menu.New(menu.Config{
		Connected: func() bool { return mgr.Connected() },
		Logger:    quiet,
	})
	mgr = connection.New(headset, connection.Options{
		OnFrame: machine.HandleFrame,
		OnReset: machine.Reset,
		Logger:  quiet,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		machine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testDaemon{
		daemon: &daemon{
			link:           mgr,
			menu:           machine,
			connectTimeout: time.Second,
			log:            quiet,
		},
		headset: headset,
		mgr:     mgr,
		machine: machine,
	}
}

func (d *testDaemon) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.machine.Flush(ctx); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
}

func TestHandleRequest(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	resp := d.handleRequest(ctx, IPCRequest{Command: "status"})
	if resp.Error != "" || resp.Status != connection.Disconnected || len(resp.Options) != 6 {
		t.Fatalf("status = %+v", resp)
	}

	resp = d.handleRequest(ctx, IPCRequest{Command: "tap", Option: "water"})
	if !strings.Contains(resp.Error, menu.ErrNotConnected.Error()) {
		t.Errorf("tap while disconnected: error = %q", resp.Error)
	}

	resp = d.handleRequest(ctx, IPCRequest{Command: "connect"})
	if resp.Error != "" || resp.Status != connection.Connected || resp.Session == "" {
		t.Fatalf("connect = %+v", resp)
	}

	resp = d.handleRequest(ctx, IPCRequest{Command: "connect"})
	if resp.Error != connection.ErrAlreadyConnected.Error() {
		t.Errorf("second connect: error = %q", resp.Error)
	}

	d.headset.Notify([]byte{0x00})
	d.headset.Notify([]byte{'S', 3})
	d.flush(t)
	resp = d.handleRequest(ctx, IPCRequest{Command: "status"})
	if !resp.Navigation.MenuActive || resp.Navigation.CurrentIndex != 3 || resp.Navigation.SelectedOptionID != "outing" {
		t.Errorf("navigation = %+v", resp.Navigation)
	}

	resp = d.handleRequest(ctx, IPCRequest{Command: "tap", Option: "water"})
	if resp.Error != "" || resp.Navigation.SelectedOptionID != "water" {
		t.Errorf("tap = %+v", resp)
	}

	resp = d.handleRequest(ctx, IPCRequest{Command: "tap"})
	if resp.Error == "" {
		t.Error("tap without option accepted")
	}

	resp = d.handleRequest(ctx, IPCRequest{Command: "disconnect"})
	if resp.Error != "" || resp.Status != connection.Disconnected {
		t.Fatalf("disconnect = %+v", resp)
	}
	d.flush(t)
	if got := d.machine.Snapshot(); got != (menu.State{}) {
		t.Errorf("state after disconnect = %+v", got)
	}

	resp = d.handleRequest(ctx, IPCRequest{Command: "reboot"})
	if !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("unknown command: error = %q", resp.Error)
	}
}

func TestConnectFailureReported(t *testing.T) {
	d := newTestDaemon(t)
	d.headset.Fail(linktest.StepConnect, io.ErrUnexpectedEOF)

	resp := d.handleRequest(context.Background(), IPCRequest{Command: "connect"})
	if resp.Error == "" || resp.Status != connection.Disconnected || resp.LastError != resp.Error {
		t.Errorf("resp = %+v", resp)
	}
}

func serveSocket(t *testing.T, d *daemon) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "eegmenu.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.handleConn(context.Background(), conn)
		}
	}()
	return sock
}

func TestSocketRoundTrip(t *testing.T) {
	d := newTestDaemon(t)
	sock := serveSocket(t, d.daemon)

	resp, err := ipcCallAt(sock, IPCRequest{Command: "connect"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != connection.Connected {
		t.Fatalf("connect = %+v", resp)
	}

	c := socketClient{sock: sock}
	v, err := c.Tap("help")
	if err != nil || v.Navigation.SelectedOptionID != "help" {
		t.Errorf("Tap() = %+v, %v", v.Navigation, err)
	}
	if _, err := c.Tap("pizza"); err == nil || !strings.Contains(err.Error(), "unknown option") {
		t.Errorf("Tap(pizza) error = %v", err)
	}
	if v, err := c.Disconnect(); err != nil || v.Status != connection.Disconnected {
		t.Errorf("Disconnect() = %v, %v", v.Status, err)
	}
}

func TestSocketInvalidRequest(t *testing.T) {
	d := newTestDaemon(t)
	sock := serveSocket(t, d.daemon)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("not json\n"))
	buf, _ := io.ReadAll(conn)
	if !strings.Contains(string(buf), "invalid request") {
		t.Errorf("reply = %q", buf)
	}
}

func TestSimulate(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := make(chan menu.State, 64)
	d.machine.Observe(func(s menu.State) {
		select {
		case seen <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go simulate(ctx, d.headset, time.Millisecond, quiet)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-seen:
			if s.ActiveSelectionID == "water" {
				return
			}
		case <-deadline:
			t.Fatal("simulated session never activated the last option")
		}
	}
}

func TestSimScriptDecodes(t *testing.T) {
	for _, ev := range simScript {
		got, ok := protocol.Decode(protocol.Encode(ev))
		if !ok || got != ev {
			t.Errorf("%v does not survive the wire: got %v, %v", ev, got, ok)
		}
	}
}
