package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mil-ad/eegmenu/internal/announce"
	"github.com/mil-ad/eegmenu/internal/config"
	"github.com/mil-ad/eegmenu/internal/connection"
	"github.com/mil-ad/eegmenu/internal/feedback"
	"github.com/mil-ad/eegmenu/internal/httpapi"
	"github.com/mil-ad/eegmenu/internal/link"
	"github.com/mil-ad/eegmenu/internal/link/bluez"
	"github.com/mil-ad/eegmenu/internal/link/linktest"
	"github.com/mil-ad/eegmenu/internal/link/tinyble"
	"github.com/mil-ad/eegmenu/internal/logging"
	"github.com/mil-ad/eegmenu/internal/menu"
)

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "eegmenu.sock")
}

type daemon struct {
	link           httpapi.Link
	menu           httpapi.Menu
	connectTimeout time.Duration
	log            *slog.Logger
}

func (d *daemon) respond(err error) IPCResponse {
	resp := IPCResponse{View: httpapi.Snapshot(d.link, d.menu)}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (d *daemon) handleRequest(ctx context.Context, req IPCRequest) IPCResponse {
	switch req.Command {
	case "status":
		return d.respond(nil)

	case "connect":
		if d.connectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.connectTimeout)
			defer cancel()
		}
		return d.respond(d.link.Connect(ctx))

	case "disconnect":
		d.link.Disconnect()
		return d.respond(nil)

	case "tap":
		if req.Option == "" {
			return d.respond(fmt.Errorf("option id is required"))
		}
		return d.respond(d.menu.Tap(ctx, req.Option))

	default:
		return d.respond(fmt.Errorf("unknown command: %q", req.Command))
	}
}

func (d *daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}
	d.log.Debug("ipc request", "command", req.Command, "option", req.Option)

	resp := d.handleRequest(ctx, req)
	json.NewEncoder(conn).Encode(resp)
}

// newAdapter builds the link backend named in cfg. The returned closer
// releases backend resources on shutdown.
func newAdapter(cfg config.DeviceConfig, logger *slog.Logger) (link.Adapter, io.Closer) {
	switch cfg.Backend {
	case config.BackendTinyGo:
		return tinyble.New(logger), nopCloser{}
	case config.BackendSim:
		return linktest.New(cfg.Name, cfg.ServiceUUID, cfg.CharacteristicUUID), nopCloser{}
	default:
		a := bluez.New(cfg.Adapter, logger)
		return a, a
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newPlayer(cfg config.FeedbackConfig, logger *slog.Logger) (menu.Player, func()) {
	if cfg.Player == "" {
		return feedback.Log{Logger: logger.With("component", "feedback")}, func() {}
	}
	p := feedback.NewCommand(cfg.Player, cfg.Args, cfg.SoundDir, logger)
	return p, p.Wait
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	cfgPath := fs.String("config", config.Path(), "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	logger, logOut := logging.New(cfg.Log, *debug)
	defer logOut.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sock := socketPath()
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)

	adapter, adapterCloser := newAdapter(cfg.Device, logger)
	defer adapterCloser.Close()

	player, waitPlayer := newPlayer(cfg.Feedback, logger)
	defer waitPlayer()

	var mgr *connection.Manager
	machine := menu.New(menu.Config{
		Player:         player,
		ActivationHold: cfg.Menu.ActivationHold,
		SelectSound:    cfg.Menu.SelectSound,
		Connected:      func() bool { return mgr.Connected() },
		Logger:         logger,
	})
	mgr = connection.New(adapter, connection.Options{
		Target: connection.Target{
			DeviceName:         cfg.Device.Name,
			ServiceUUID:        cfg.Device.ServiceUUID,
			CharacteristicUUID: cfg.Device.CharacteristicUUID,
			DiscoveryTimeout:   cfg.Device.DiscoveryTimeout,
		},
		OnFrame: machine.HandleFrame,
		OnReset: machine.Reset,
		Logger:  logger,
	})

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	goRun(func() { machine.Run(ctx) })

	hub := httpapi.NewHub(0)
	publishView := func() { hub.Publish(httpapi.Snapshot(mgr, machine)) }
	mgr.Observe(func(connection.State) { publishView() })
	machine.Observe(func(menu.State) { publishView() })
	machine.OnActivate(func(a menu.Activation) {
		logger.Info("option chosen", "option", a.Option.ID, "manual", a.Manual, "session", mgr.State().Session)
	})

	if cfg.MQTT.Broker != "" {
		sink, err := announce.Dial(ctx, cfg.MQTT, logger)
		if err != nil {
			logger.Warn("caregiver announcements disabled", "error", err)
		} else {
			defer sink.Close()
			ann := announce.New(sink, announce.Options{
				Prefix:   cfg.MQTT.TopicPrefix,
				QoS:      cfg.MQTT.QoS,
				Encoding: cfg.MQTT.Encoding,
				Session:  func() string { return mgr.State().Session },
				Logger:   logger,
			})
			mgr.Observe(ann.Status)
			machine.OnActivate(ann.Activation)
			ann.Status(mgr.State())
			goRun(func() { ann.Run(ctx) })
		}
	}

	if cfg.HTTP.Listen != "" {
		srv := httpapi.New(mgr, machine, hub, httpapi.Options{
			ConnectTimeout: cfg.Device.ConnectTimeout,
			Logger:         logger,
		})
		goRun(func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
				logger.Error("http server failed", "error", err)
			}
		})
	}

	if sim, ok := adapter.(*linktest.Adapter); ok {
		goRun(func() { simulate(ctx, sim, 1500*time.Millisecond, logger) })
	}

	d := &daemon{
		link:           mgr,
		menu:           machine,
		connectTimeout: cfg.Device.ConnectTimeout,
		log:            logger.With("component", "ipc"),
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		ln.Close()
	}()

	logger.Info("listening", "socket", sock, "backend", cfg.Device.Backend)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown.
			break
		}
		go d.handleConn(ctx, conn)
	}

	mgr.Disconnect()
	wg.Wait()
	return nil
}
