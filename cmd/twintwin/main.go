// Command twintwin is the subprocess-side bootstrap a master execs to
// start a twin: it decodes its wire connectors, brings up a kernel in the
// requested flavour, runs the named initializers, then serves directives
// until it receives a Terminate control event (spec.md §6, SPEC_FULL.md
// §6). Real deployments fork this file to add their own proxy.Register[T]
// calls before main's bootstrap runs, the way the source runtime's
// `__main__` re-bootstrap is left as an external collaborator.
package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/urfave/cli"

	"github.com/twinproto/twinterp/codec"
	"github.com/twinproto/twinterp/handler"
	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/kernel"
	"github.com/twinproto/twinterp/protocol"
	"github.com/twinproto/twinterp/proxy"
	"github.com/twinproto/twinterp/share"
	"github.com/twinproto/twinterp/tracker"
	"github.com/twinproto/twinterp/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "twintwin"
	app.Usage = "run one twin of a twinterp master/twin pair"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "peer-id", Usage: "id of the peer this process connects to"},
		cli.StringFlag{Name: "twin-id", Usage: "id of this process"},
		cli.StringFlag{Name: "master-id", Usage: "id of the group's master"},
		cli.StringFlag{Name: "server-connector", Usage: "base64 JSON wire.Connector for this twin's kernel server"},
		cli.StringFlag{Name: "client-connector", Usage: "base64 JSON wire.Connector for this twin's kernel client"},
		cli.IntFlag{Name: "protocol-version", Value: 1, Usage: "highest handshake protocol version this twin advertises"},
		cli.StringFlag{Name: "kernel", Value: "single", Usage: "server flavour: single, async, or pool"},
		cli.StringSliceFlag{Name: "initializer", Usage: "registered initializer key to run before serving (repeatable)"},
		cli.StringFlag{Name: "cwd", Usage: "working directory to chdir into before doing anything else"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "twintwin:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if cwd := c.String("cwd"); cwd != "" {
		if err := os.Chdir(cwd); err != nil {
			return fmt.Errorf("twintwin: chdir %q: %w", cwd, err)
		}
	}

	twinID := ident.TwinID(c.String("twin-id"))
	if twinID == "" {
		twinID = ident.TwinID(os.Getenv("TWIN_ID"))
	}
	masterID := ident.TwinID(c.String("master-id"))
	if masterID == "" {
		masterID = ident.TwinID(os.Getenv("MASTER_ID"))
	}
	if twinID == "" {
		return fmt.Errorf("twintwin: --twin-id (or TWIN_ID) is required")
	}

	log := share.NewLogger("twintwin", share.LogLevelInfo).Fork(string(twinID))

	// Both --server-connector and --client-connector describe the same
	// duplex transport from this process's point of view (spec §4.1); a
	// twin serves and calls over the one channel it was handed.
	connectorFlag := c.String("server-connector")
	if connectorFlag == "" {
		connectorFlag = c.String("client-connector")
	}
	if connectorFlag == "" {
		return fmt.Errorf("twintwin: --server-connector or --client-connector is required")
	}
	connector, err := decodeConnector(connectorFlag)
	if err != nil {
		return err
	}

	extraFiles := inheritedExtraFiles()
	transport, err := wire.Dial(log, connector, extraFiles)
	if err != nil {
		return fmt.Errorf("twintwin: dialing connector: %w", err)
	}
	if err := transport.Open(); err != nil {
		return fmt.Errorf("twintwin: opening transport: %w", err)
	}
	defer transport.Close()

	localVersion := c.Int("protocol-version")
	if _, err := codec.ExchangeHello(transport, protocol.Hello{Version: localVersion}); err != nil {
		return fmt.Errorf("twintwin: handshake with master: %w", err)
	}

	instances := tracker.NewInstances()
	classes := tracker.NewClasses()
	functions := tracker.NewFunctions()

	resolver := proxy.NewResolver(twinID, instances)
	cd := codec.New(resolver)

	h := handler.New(handler.Config{
		TwinID:    twinID,
		Instances: instances,
		Classes:   classes,
		Functions: functions,
		Codec:     cd,
		Logger:    log.Fork("handler"),
	})

	flavour := parseFlavour(c.String("kernel"))
	writeLock := &sync.Mutex{}
	srv := newServerForFlavour(flavour, kernel.Config{
		Transport: transport,
		Codec:     cd,
		Handler:   h,
		Logger:    log.Fork("server"),
		PoolSize:  4,
		WriteLock: writeLock,
	})

	// client is paired with srv over the same transport, mirroring
	// master.New's demux wiring: the twin can issue its own directives back
	// into the master (recursive calls, spec §5) without a second goroutine
	// touching transport's read half.
	client := kernel.NewPairedClient(kernel.ClientConfig{
		Transport: transport,
		Codec:     cd,
		Logger:    log.Fork("client"),
		WriteLock: writeLock,
	})
	srv.SetPeerClient(client)
	resolver.SetDispatcher(kernel.NewDispatcher(client, cd))

	for _, key := range c.StringSlice("initializer") {
		fn, ok := lookupInitializer(key)
		if !ok {
			log.WLogf("twintwin: unknown initializer %q, skipping", key)
			continue
		}
		if err := fn(); err != nil {
			return fmt.Errorf("twintwin: initializer %q failed: %w", key, err)
		}
	}

	exitCode, runErr := srv.Run()

	for _, key := range c.StringSlice("initializer") {
		if fn, ok := lookupFinalizer(key); ok {
			if err := fn(); err != nil {
				log.ELogf("twintwin: finalizer %q failed: %v", key, err)
			}
		}
	}

	if runErr != nil {
		return runErr
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func decodeConnector(encoded string) (*wire.Connector, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("twintwin: decoding connector base64: %w", err)
	}
	var connector wire.Connector
	if err := json.Unmarshal(raw, &connector); err != nil {
		return nil, fmt.Errorf("twintwin: decoding connector JSON: %w", err)
	}
	return &connector, nil
}

// inheritedExtraFiles returns the os.Files inherited past stdin/stdout/
// stderr (fd 3 onward), the form exec.Cmd.ExtraFiles hands a child. A
// twin only ever needs at most one today (a socketpair half), but the
// slice is built generally so additional connector kinds can claim more.
func inheritedExtraFiles() []*os.File {
	const maxExtra = 4
	files := make([]*os.File, 0, maxExtra)
	for i := 0; i < maxExtra; i++ {
		fd := uintptr(3 + i)
		f := os.NewFile(fd, fmt.Sprintf("extra%d", i))
		if f == nil {
			break
		}
		files = append(files, f)
	}
	return files
}

func parseFlavour(name string) kernel.Flavour {
	switch name {
	case "async":
		return kernel.Async
	case "pool":
		return kernel.Pool
	default:
		return kernel.Single
	}
}

func newServerForFlavour(flavour kernel.Flavour, cfg kernel.Config) *kernel.Server {
	switch flavour {
	case kernel.Async:
		return kernel.NewAsyncServer(cfg)
	case kernel.Pool:
		return kernel.NewPoolServer(cfg)
	default:
		return kernel.NewSingleServer(cfg)
	}
}
