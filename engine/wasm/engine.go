// Package wasm runs components as WebAssembly core modules on wazero.
//
// Guest ABI:
//
//	exports  memory
//	         alloc(len i32) -> ptr i32
//	         handle_message(ptr i32, len i32) -> i32   ; 0 = ok
//	         _initialize()                              ; optional
//	imports  mqtt.publish(topic_ptr, topic_len, payload_ptr, payload_len i32) -> i32
//	         wasi_snapshot_preview1.*
//
// mqtt.publish returns one of the Status* codes.
package wasm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/engine"
	"github.com/miladsoleymani/mqttrigger/internal/log"
)

// Status codes returned to the guest by mqtt.publish.
const (
	StatusOK         uint32 = 0
	StatusRejected   uint32 = 1
	StatusConnection uint32 = 2
	StatusInvalid    uint32 = 3
)

const (
	hostModule    = "mqtt"
	exportHandle  = "handle_message"
	exportAlloc   = "alloc"
	startFunction = "_initialize"
	moduleFileExt = ".wasm"
	digestPrefix  = "blake3:"
)

// ErrABI is wrapped when a module does not export what the guest ABI needs.
var ErrABI = errors.New("wasm: module does not implement the guest ABI")

// SourceFunc returns the wasm bytes of a component.
type SourceFunc func(component string) ([]byte, error)

// Option configures an Engine.
type Option func(*Engine)

// WithSource replaces the modules-directory lookup.
func WithSource(fn SourceFunc) Option {
	return func(e *Engine) { e.source = fn }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithOutput sets where guest stdout and stderr go.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(e *Engine) {
		e.stdout = stdout
		e.stderr = stderr
	}
}

type compiled struct {
	digest string
	module wazero.CompiledModule
}

// Engine implements engine.Engine. Components are compiled once, keyed by
// content digest, and instantiated fresh for every invocation.
type Engine struct {
	runtime wazero.Runtime
	source  SourceFunc
	logger  *slog.Logger
	stdout  io.Writer
	stderr  io.Writer

	loads    singleflight.Group
	mu       sync.Mutex
	byName   map[string]*compiled
	byDigest map[string]wazero.CompiledModule
}

// New creates an Engine that loads <dir>/<component>.wasm unless WithSource
// is given.
func New(ctx context.Context, dir string, fns ...Option) (*Engine, error) {
	e := &Engine{
		source:   dirSource(dir),
		stdout:   os.Stderr,
		stderr:   os.Stderr,
		byName:   make(map[string]*compiled),
		byDigest: make(map[string]wazero.CompiledModule),
	}
	for _, fn := range fns {
		fn(e)
	}
	if e.logger == nil {
		e.logger = log.WithComponent("wasm")
	}

	e.runtime = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate wasi: %w", err)
	}

	_, err := e.runtime.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().
		WithFunc(e.publish).
		Export("publish").
		Instantiate(ctx)
	if err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate host module %q: %w", hostModule, err)
	}

	return e, nil
}

// Instantiate returns a fresh, isolated instance of component.
func (e *Engine) Instantiate(ctx context.Context, component string, host engine.Host) (engine.GuestModule, error) {
	cm, err := e.compile(ctx, component)
	if err != nil {
		return nil, err
	}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions(startFunction).
		WithStdout(e.stdout).
		WithStderr(e.stderr)

	mod, err := e.runtime.InstantiateModule(withHost(ctx, host), cm.module, cfg)
	if err != nil {
		return nil, fmt.Errorf("wasm: instantiate %q: %w", component, err)
	}

	g := &guest{
		component: component,
		module:    mod,
		handle:    mod.ExportedFunction(exportHandle),
		alloc:     mod.ExportedFunction(exportAlloc),
		host:      host,
	}
	var missing []string
	if mod.Memory() == nil {
		missing = append(missing, "memory")
	}
	if g.alloc == nil {
		missing = append(missing, exportAlloc)
	}
	if g.handle == nil {
		missing = append(missing, exportHandle)
	}
	if len(missing) > 0 {
		mod.Close(ctx)
		return nil, fmt.Errorf("%w: %q is missing exports %s", ErrABI, component, strings.Join(missing, ", "))
	}
	return g, nil
}

// Digest returns the content digest of a compiled component, or "" if it
// has not been loaded yet.
func (e *Engine) Digest(component string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.byName[component]; ok {
		return c.digest
	}
	return ""
}

// Preload compiles component ahead of its first invocation.
func (e *Engine) Preload(ctx context.Context, component string) error {
	_, err := e.compile(ctx, component)
	return err
}

// Close releases the runtime and every compiled module.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.runtime.Close(ctx); err != nil {
		return fmt.Errorf("wasm: close runtime: %w", err)
	}
	return nil
}

// compile returns the compiled module for component. Loading and
// compilation run outside e.mu; concurrent callers for the same component
// share one load.
func (e *Engine) compile(ctx context.Context, component string) (*compiled, error) {
	e.mu.Lock()
	c, ok := e.byName[component]
	e.mu.Unlock()
	if ok {
		return c, nil
	}

	v, err, _ := e.loads.Do(component, func() (any, error) {
		return e.load(context.WithoutCancel(ctx), component)
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiled), nil
}

func (e *Engine) load(ctx context.Context, component string) (*compiled, error) {
	e.mu.Lock()
	c, ok := e.byName[component]
	e.mu.Unlock()
	if ok {
		return c, nil
	}

	data, err := e.source(component)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(data)
	digest := digestPrefix + hex.EncodeToString(sum[:])

	e.mu.Lock()
	mod, ok := e.byDigest[digest]
	e.mu.Unlock()
	if !ok {
		fresh, err := e.runtime.CompileModule(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("wasm: compile %q: %w", component, err)
		}
		e.mu.Lock()
		if prev, ok := e.byDigest[digest]; ok {
			// Another component with the same bytes got there first.
			mod = prev
		} else {
			mod, fresh = fresh, nil
			e.byDigest[digest] = mod
		}
		e.mu.Unlock()
		if fresh != nil {
			fresh.Close(ctx)
		}
	}

	c = &compiled{digest: digest, module: mod}
	e.mu.Lock()
	e.byName[component] = c
	e.mu.Unlock()
	e.logger.Info("component loaded", "component", component, "digest", digest, "bytes", len(data))
	return c, nil
}

// publish is the mqtt.publish host function.
func (e *Engine) publish(ctx context.Context, m api.Module, topicPtr, topicLen, payloadPtr, payloadLen uint32) uint32 {
	host, ok := hostFrom(ctx)
	if !ok {
		return StatusInvalid
	}
	req, ok := readRequest(m.Memory(), topicPtr, topicLen, payloadPtr, payloadLen)
	if !ok {
		return StatusInvalid
	}

	err := host.Publish(ctx, req.Topic, req.Payload)
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, core.ErrConnection):
		return StatusConnection
	case errors.Is(err, core.ErrCapabilityClosed):
		return StatusInvalid
	default:
		e.logger.Debug("guest publish rejected", "topic", req.Topic, "error", err)
		return StatusRejected
	}
}

// readRequest copies a publish request out of guest memory.
func readRequest(mem api.Memory, topicPtr, topicLen, payloadPtr, payloadLen uint32) (core.PublishRequest, bool) {
	if mem == nil {
		return core.PublishRequest{}, false
	}
	topic, ok := mem.Read(topicPtr, topicLen)
	if !ok {
		return core.PublishRequest{}, false
	}
	view, ok := mem.Read(payloadPtr, payloadLen)
	if !ok {
		return core.PublishRequest{}, false
	}
	// Read returns a view into guest memory.
	payload := make([]byte, len(view))
	copy(payload, view)
	return core.PublishRequest{Topic: string(topic), Payload: payload}, true
}

type guest struct {
	component string
	module    api.Module
	handle    api.Function
	alloc     api.Function
	host      engine.Host
}

func (g *guest) HandleMessage(ctx context.Context, payload []byte) error {
	ctx = withHost(ctx, g.host)

	var ptr uint64
	if len(payload) > 0 {
		res, err := g.alloc.Call(ctx, uint64(len(payload)))
		if err != nil {
			return g.callErr(ctx, exportAlloc, err)
		}
		ptr = res[0]
		if !g.module.Memory().Write(uint32(ptr), payload) {
			return &engine.TrapError{Err: fmt.Errorf("alloc returned out of range pointer %d for %d bytes", ptr, len(payload))}
		}
	}

	res, err := g.handle.Call(ctx, ptr, uint64(len(payload)))
	if err != nil {
		return g.callErr(ctx, exportHandle, err)
	}
	if len(res) > 0 {
		if code := uint32(res[0]); code != 0 {
			return &engine.ApplicationError{Code: code}
		}
	}
	return nil
}

func (g *guest) callErr(ctx context.Context, fn string, err error) error {
	if ctx.Err() != nil {
		return &engine.TrapError{Err: fmt.Errorf("%s aborted: %w", fn, ctx.Err())}
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		if exit.ExitCode() == 0 {
			return nil
		}
		return &engine.ApplicationError{Code: exit.ExitCode(), Message: "guest exited"}
	}
	return &engine.TrapError{Err: fmt.Errorf("%s: %w", fn, err)}
}

func (g *guest) Close(ctx context.Context) error {
	return g.module.Close(ctx)
}

type hostKey struct{}

func withHost(ctx context.Context, h engine.Host) context.Context {
	return context.WithValue(ctx, hostKey{}, h)
}

func hostFrom(ctx context.Context) (engine.Host, bool) {
	h, ok := ctx.Value(hostKey{}).(engine.Host)
	return h, ok && h != nil
}

func dirSource(dir string) SourceFunc {
	return func(component string) ([]byte, error) {
		if component == "" || strings.ContainsAny(component, `/\`) || component == "." || component == ".." {
			return nil, fmt.Errorf("%w: invalid component name %q", engine.ErrNotFound, component)
		}
		path := filepath.Join(dir, component+moduleFileExt)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("wasm: read %s: %w", path, err)
		}
		return data, nil
	}
}
