// Command mqtt-trigger subscribes wasm components to broker topics as
// declared in a trigger manifest and runs until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/miladsoleymani/mqttrigger/broker"
	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/core/middleware"
	"github.com/miladsoleymani/mqttrigger/engine"
	"github.com/miladsoleymani/mqttrigger/engine/wasm"
	"github.com/miladsoleymani/mqttrigger/internal/log"
	"github.com/miladsoleymani/mqttrigger/internal/status"
	"github.com/miladsoleymani/mqttrigger/manifest"

	// Broker backends register themselves by trigger type.
	_ "github.com/miladsoleymani/mqttrigger/plugins/kafka"
	_ "github.com/miladsoleymani/mqttrigger/plugins/mqtt"
	_ "github.com/miladsoleymani/mqttrigger/plugins/nats"
	_ "github.com/miladsoleymani/mqttrigger/plugins/rabbitmq"
)

const version = "0.1.0"

// passwordEnv holds the broker password so it never shows up in argv.
const passwordEnv = "MQTTRIGGER_PASSWORD"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

type options struct {
	manifest       string
	modulesDir     string
	logLevel       string
	logFormat      string
	statusAddr     string
	drainTimeout   time.Duration
	connectTimeout time.Duration
	clientID       string
	username       string
	brokerOpts     kvFlag
	version        bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	opts := options{brokerOpts: kvFlag{}}
	fs := flag.NewFlagSet("mqtt-trigger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.manifest, "manifest", "trigger.yaml", "Path to the trigger manifest")
	fs.StringVar(&opts.modulesDir, "modules-dir", "modules", "Directory holding <component>.wasm files")
	fs.StringVar(&opts.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&opts.logFormat, "log-format", "json", "Log format (json, text)")
	fs.StringVar(&opts.statusAddr, "status-addr", "", "Serve the status API on this address (disabled when empty)")
	fs.DurationVar(&opts.drainTimeout, "drain-timeout", core.DefaultDrainTimeout, "How long in-flight invocations may run after shutdown is requested")
	fs.DurationVar(&opts.connectTimeout, "connect-timeout", broker.DefaultConnectTimeout, "Broker connect timeout")
	fs.StringVar(&opts.clientID, "client-id", "", "Broker client id (generated when empty)")
	fs.StringVar(&opts.username, "username", "", "Broker username; the password is read from $"+passwordEnv)
	fs.Var(opts.brokerOpts, "broker-opt", "Backend-specific key=value setting (repeatable)")
	fs.BoolVar(&opts.version, "version", false, "Print the version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: mqtt-trigger [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return opts, errors.New("unexpected arguments")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}
	if opts.version {
		fmt.Fprintf(stderr, "mqtt-trigger version %s\n", version)
		return 0
	}

	log.Setup(opts.logLevel, opts.logFormat)
	logger := log.WithComponent("mqtt-trigger")

	meta, bindings, err := manifest.Load(opts.manifest, broker.Names()...)
	if err != nil {
		fmt.Fprintln(stderr, err)
		logger.Error("invalid manifest", "path", opts.manifest, "error", err)
		return 1
	}
	if len(bindings) == 0 {
		logger.Warn("no components bound, nothing to do", "path", opts.manifest)
		return 0
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := wasm.New(ctx, opts.modulesDir)
	if err != nil {
		logger.Error("start wasm engine", "error", err)
		return 1
	}
	defer eng.Close(context.Background())

	for _, c := range components(bindings) {
		if err := eng.Preload(ctx, c); err != nil {
			// Not fatal: each message for c fails as a missing component.
			logger.Warn("component not loadable", "component", c, "error", err)
		}
	}

	b, err := broker.Create(meta.Type, brokerConfig(meta, opts))
	if err != nil {
		fmt.Fprintln(stderr, err)
		logger.Error("connect broker", "type", meta.Type, "address", meta.Address, "error", err)
		return 1
	}

	bridge := engine.NewBridge(eng, core.NewPublisher(b, meta), log.WithComponent("bridge"))
	d := core.New(meta, bindings, b, bridge,
		core.WithDrainTimeout(opts.drainTimeout),
		core.WithLogger(log.Get()),
	)

	stats := status.NewCollector()
	d.Use(middleware.Recovery(log.Get()))
	d.Use(middleware.Logging(log.Get()))
	d.Use(middleware.Metrics(stats))

	srvCtx, srvCancel := context.WithCancel(ctx)
	srvDone := make(chan struct{})
	if opts.statusAddr != "" {
		srv := status.New(status.Config{Listen: opts.statusAddr}, d, stats, log.WithComponent("status"))
		go func() {
			defer close(srvDone)
			if err := srv.Start(srvCtx); err != nil {
				logger.Error("status server", "error", err)
			}
		}()
	} else {
		close(srvDone)
	}
	defer func() {
		srvCancel()
		<-srvDone
	}()

	err = d.Start(ctx)
	switch {
	case ctx.Err() == nil:
		logger.Error("all listeners stopped", "error", err)
		return 1
	case errors.Is(err, core.ErrDrainTimeout):
		logger.Warn("shutdown aborted in-flight invocations", "error", err)
	case err != nil:
		logger.Warn("shutdown", "error", err)
	}
	logger.Info("stopped")
	return 0
}

func brokerConfig(meta core.TriggerMetadata, opts options) broker.Config {
	extra := make(map[string]any, len(opts.brokerOpts)+2)
	for k, v := range opts.brokerOpts {
		extra[k] = v
	}
	if opts.username != "" {
		extra["username"] = opts.username
		extra["password"] = os.Getenv(passwordEnv)
	}
	return broker.Config{
		Address:        meta.Address,
		ClientID:       opts.clientID,
		ConnectTimeout: opts.connectTimeout,
		Extra:          extra,
	}
}

// components returns the distinct component names in bindings, sorted.
func components(bindings []core.ComponentBinding) []string {
	seen := make(map[string]struct{}, len(bindings))
	var out []string
	for _, b := range bindings {
		if _, ok := seen[b.Component]; ok {
			continue
		}
		seen[b.Component] = struct{}{}
		out = append(out, b.Component)
	}
	sort.Strings(out)
	return out
}

// kvFlag collects repeated key=value flags. Values that parse as integers
// or booleans are stored typed.
type kvFlag map[string]any

func (f kvFlag) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, f[k]))
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	k = strings.TrimSpace(k)
	if n, err := strconv.Atoi(v); err == nil {
		f[k] = n
		return nil
	}
	if b, err := strconv.ParseBool(v); err == nil {
		f[k] = b
		return nil
	}
	f[k] = v
	return nil
}
