// Package master owns the twin side of one master/twin pair from the
// master process's point of view: it spawns the twin subprocess, wires a
// kernel.Client (to call into the twin) and a kernel.Server (to serve the
// twin's calls back into this process) over the same duplex transport, and
// tears both down cleanly on Destroy (spec §4.9).
package master

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jpillora/backoff"

	"github.com/twinproto/twinterp/codec"
	"github.com/twinproto/twinterp/handler"
	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/kernel"
	"github.com/twinproto/twinterp/protocol"
	"github.com/twinproto/twinterp/proxy"
	"github.com/twinproto/twinterp/share"
	"github.com/twinproto/twinterp/tracker"
	"github.com/twinproto/twinterp/wire"
	"github.com/twinproto/twinterp/wireerr"
)

// ProtocolVersion is the highest handshake version this module advertises.
const ProtocolVersion = 1

// ErrTwinterpreterUnavailable is returned synchronously by Execute once
// Destroy has begun or completed (spec §7).
var ErrTwinterpreterUnavailable = wireerr.ErrTwinterpreterUnavailable

// Config describes the twin subprocess to spawn and the kernel it should
// be wired up with.
type Config struct {
	// TwinPath is the twintwin binary (or any binary speaking this
	// module's CLI surface, spec §6) to exec as the twin.
	TwinPath string
	ExtraArgs []string

	// TwinID names the twin this master owns; MasterID names this
	// process. A zero TwinID mints a fresh one.
	TwinID   ident.TwinID
	MasterID ident.TwinID

	Flavour   kernel.Flavour
	PoolSize  int
	Instances *tracker.Instances
	Classes   *tracker.Classes
	Functions *tracker.Functions

	Logger share.Logger
}

// Master is the master-side half of one master/twin pair.
type Master struct {
	share.ShutdownHelper

	cfg        Config
	twinID     ident.TwinID
	cmd        *exec.Cmd
	transport  wire.Transport
	codec      *codec.Codec
	client     *kernel.Client
	server     *kernel.Server
	dispatcher *kernel.Dispatcher
	log        share.Logger
}

// New spawns the twin subprocess and brings its kernel up: a socketpair
// transport is created, one end handed to the child as an inherited fd
// (spec §4.1's "should not share file descriptors directly with a third
// party" rules out stdio here), the other kept by this process, and a
// Hello handshake is exchanged before either side trusts the negotiated
// wire format.
func New(cfg Config) (*Master, error) {
	log := cfg.Logger
	if log == nil {
		log = share.NewLogger("master", share.LogLevelInfo)
	}
	twinID := cfg.TwinID
	if twinID == "" {
		twinID = ident.NewTwinID()
	}
	masterID := cfg.MasterID
	if masterID == "" {
		masterID = twinID
	}

	masterTransport, childFile, childConnector, err := wire.NewSocketpairPair(log, 0)
	if err != nil {
		return nil, fmt.Errorf("master: building socketpair transport: %w", err)
	}
	defer childFile.Close()
	if err := masterTransport.Open(); err != nil {
		return nil, fmt.Errorf("master: opening socketpair transport: %w", err)
	}

	encodedConnector, err := encodeConnector(childConnector)
	if err != nil {
		return nil, err
	}

	flavourName := flavourToName(cfg.Flavour)

	args := append([]string{
		"--peer-id", string(twinID),
		"--twin-id", string(twinID),
		"--master-id", string(masterID),
		"--server-connector", encodedConnector,
		"--client-connector", encodedConnector,
		"--protocol-version", fmt.Sprintf("%d", ProtocolVersion),
		"--kernel", flavourName,
	}, cfg.ExtraArgs...)

	cmd := exec.Command(cfg.TwinPath, args...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(os.Environ(),
		"TWIN_ID="+string(twinID),
		"MASTER_ID="+string(masterID),
	)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		masterTransport.Close()
		return nil, fmt.Errorf("master: starting twin subprocess: %w", err)
	}

	instances := cfg.Instances
	if instances == nil {
		instances = tracker.NewInstances()
	}
	classes := cfg.Classes
	if classes == nil {
		classes = tracker.NewClasses()
	}
	functions := cfg.Functions
	if functions == nil {
		functions = tracker.NewFunctions()
	}

	resolver := proxy.NewResolver(masterID, instances)
	c := codec.New(resolver)

	if _, err := codec.ExchangeHello(masterTransport, protocol.Hello{Version: ProtocolVersion}); err != nil {
		cmd.Process.Kill()
		masterTransport.Close()
		return nil, fmt.Errorf("master: handshake with twin: %w", err)
	}

	h := handler.New(handler.Config{
		TwinID:    masterID,
		Instances: instances,
		Classes:   classes,
		Functions: functions,
		Codec:     c,
		Logger:    log.Fork("handler"),
	})

	srv := kernel.NewPoolServer(kernel.Config{
		Transport: masterTransport,
		Codec:     c,
		Handler:   h,
		Logger:    log.Fork("server"),
		PoolSize:  poolSizeOrDefault(cfg),
	})

	// client is paired with srv over the one transport: srv's reader
	// goroutine demuxes reply-shaped frames to it (kernel.Server.SetPeerClient),
	// honoring wire.Transport's single-reader rule while still letting this
	// process both serve the twin's calls and make its own into the twin.
	client := kernel.NewPairedClient(kernel.ClientConfig{
		Transport: masterTransport,
		Codec:     c,
		Logger:    log.Fork("client"),
		WriteLock: srv.WriteLock(),
	})
	srv.SetPeerClient(client)

	dispatcher := kernel.NewDispatcher(client, c)
	resolver.SetDispatcher(dispatcher)

	m := &Master{
		cfg:        cfg,
		twinID:     twinID,
		cmd:        cmd,
		transport:  masterTransport,
		codec:      c,
		client:     client,
		server:     srv,
		dispatcher: dispatcher,
		log:        log,
	}
	m.InitShutdownHelper(log, m)
	go srv.Run()
	return m, nil
}

// TwinID returns the twin id this master owns.
func (m *Master) TwinID() ident.TwinID { return m.twinID }

// Dispatcher exposes the raw dispatcher, for proxy.ProxyClass.New and
// friends.
func (m *Master) Dispatcher() *kernel.Dispatcher { return m.dispatcher }

// Execute invokes a free function registered on the twin by name (spec
// §4.9's "Execute(ctx, fn, args...) delegates to Dispatcher.DispatchCall").
// ctx is honored only before the call is issued: once sent, a request runs
// to completion or until the channel terminates, matching spec §5's "no
// in-flight cancellation other than channel termination".
func (m *Master) Execute(ctx context.Context, fn string, args []any, kwargs map[string]any) (any, error) {
	if m.IsStartedShutdown() {
		return nil, ErrTwinterpreterUnavailable
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return m.dispatcher.DispatchCall(fn, args, kwargs)
}

// HandleOnceShutdown implements share.OnceShutdownHandler: it stops the
// client, waits (briefly, jittered) for the subprocess to exit on its own,
// then kills it if it hasn't, then tears down the transport and server.
func (m *Master) HandleOnceShutdown(completionErr error) error {
	_ = m.dispatcher.ShutdownPeer("master shutting down", 0)

	exited := make(chan struct{})
	go func() { m.cmd.Wait(); close(exited) }()

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2, Jitter: true}
	deadline := time.Now().Add(5 * time.Second)
	hasExited := false
	for !hasExited && time.Now().Before(deadline) {
		select {
		case <-exited:
			hasExited = true
		case <-time.After(b.Duration()):
		}
	}

	if !hasExited {
		_ = m.cmd.Process.Kill()
		<-exited
	}

	// Closing the transport makes the server's Run loop observe a clean
	// channel-closed condition and return; on the way out Run releases the
	// paired client's in-flight callers, so neither needs an explicit stop
	// call.
	if err := m.transport.Close(); err != nil && completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Destroy shuts the master/twin pair down and waits for shutdown to
// complete.
func (m *Master) Destroy(ctx context.Context) error {
	return m.Shutdown(nil)
}

func poolSizeOrDefault(cfg Config) int {
	if cfg.PoolSize > 0 {
		return cfg.PoolSize
	}
	return 4
}

func flavourToName(f kernel.Flavour) string {
	switch f {
	case kernel.Async:
		return "async"
	case kernel.Pool:
		return "pool"
	default:
		return "single"
	}
}

func encodeConnector(c *wire.Connector) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("master: encoding connector: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
