package wasm_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/engine"
	"github.com/miladsoleymani/mqttrigger/engine/wasm"
	"github.com/miladsoleymani/mqttrigger/internal/log"
	"github.com/miladsoleymani/mqttrigger/internal/mock"
)

// handle_message bodies for guestModule. Data segments place "alerts/temp"
// at offset 16 and "HIGH" at offset 32; alloc always returns 1024.
var (
	// publish("alerts/temp", "HIGH") and return its status.
	bodyPublishHigh = []byte{0x00, 0x41, 0x10, 0x41, 0x0b, 0x41, 0x20, 0x41, 0x04, 0x10, 0x00, 0x0b}
	// publish("alerts/temp", payload) and return its status.
	bodyEcho = []byte{0x00, 0x41, 0x10, 0x41, 0x0b, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x0b}
	// unreachable
	bodyTrap = []byte{0x00, 0x00, 0x0b}
	// return 7
	bodyFail = []byte{0x00, 0x41, 0x07, 0x0b}
)

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func vec(s string) []byte { return append(uleb(len(s)), s...) }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	return concat([]byte{id}, uleb(len(content)), content)
}

// guestModule assembles a module implementing the guest ABI whose
// handle_message has the given body.
func guestModule(handleBody []byte) []byte {
	types := []byte{0x03,
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, // publish
		0x60, 0x01, 0x7f, 0x01, 0x7f, // alloc
		0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, // handle_message
	}
	imports := concat([]byte{0x01}, vec("mqtt"), vec("publish"), []byte{0x00, 0x00})
	funcs := []byte{0x02, 0x01, 0x02}
	memory := []byte{0x01, 0x00, 0x01}
	exports := concat([]byte{0x03},
		vec("memory"), []byte{0x02, 0x00},
		vec("alloc"), []byte{0x00, 0x01},
		vec("handle_message"), []byte{0x00, 0x02},
	)
	allocBody := []byte{0x00, 0x41, 0x80, 0x08, 0x0b}
	code := concat([]byte{0x02}, uleb(len(allocBody)), allocBody, uleb(len(handleBody)), handleBody)
	data := concat([]byte{0x02},
		[]byte{0x00, 0x41, 0x10, 0x0b}, vec("alerts/temp"),
		[]byte{0x00, 0x41, 0x20, 0x0b}, vec("HIGH"),
	)
	return concat(emptyModule,
		section(1, types),
		section(2, imports),
		section(3, funcs),
		section(5, memory),
		section(7, exports),
		section(10, code),
		section(11, data),
	)
}

func newEngine(t *testing.T, modules map[string][]byte) *wasm.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := wasm.New(ctx, "",
		wasm.WithLogger(log.New(io.Discard, "ERROR", "json")),
		wasm.WithOutput(io.Discard, io.Discard),
		wasm.WithSource(func(component string) ([]byte, error) {
			data, ok := modules[component]
			if !ok {
				return nil, fmt.Errorf("%w: %q", engine.ErrNotFound, component)
			}
			return data, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(ctx) })
	return e
}

func newBridge(t *testing.T, e engine.Engine, b core.Broker) *engine.Bridge {
	t.Helper()
	meta := core.TriggerMetadata{Type: "mqtt", Address: "mqtt://localhost:1883", QoS: core.AtLeastOnce}
	return engine.NewBridge(e, core.NewPublisher(b, meta), log.New(io.Discard, "ERROR", "json"))
}

func TestScenario_PublishFromGuest(t *testing.T) {
	mb := mock.NewBroker()
	e := newEngine(t, map[string][]byte{"comp-a": guestModule(bodyPublishHigh)})
	bridge := newBridge(t, e, mb)

	res, err := bridge.Invoke(context.Background(), "comp-a", []byte("23.5C"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	pubs := mb.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "alerts/temp", pubs[0].Topic)
	assert.Equal(t, []byte("HIGH"), pubs[0].Payload)
	assert.Equal(t, core.AtLeastOnce, pubs[0].QoS)
}

func TestPayloadReachesGuestUnchanged(t *testing.T) {
	mb := mock.NewBroker()
	e := newEngine(t, map[string][]byte{"echo": guestModule(bodyEcho)})
	bridge := newBridge(t, e, mb)

	payload := []byte{0x00, 0xff, '2', '3', '.', '5', 'C', 0x80}
	_, err := bridge.Invoke(context.Background(), "echo", payload)
	require.NoError(t, err)

	pubs := mb.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, payload, pubs[0].Payload)
}

func TestEmptyPayload(t *testing.T) {
	mb := mock.NewBroker()
	e := newEngine(t, map[string][]byte{"echo": guestModule(bodyEcho)})
	bridge := newBridge(t, e, mb)

	_, err := bridge.Invoke(context.Background(), "echo", nil)
	require.NoError(t, err)
	require.Len(t, mb.Published(), 1)
	assert.Empty(t, mb.Published()[0].Payload)
}

func TestPublishRejectedIsVisibleToGuest(t *testing.T) {
	mb := mock.NewBroker()
	mb.PublishErr = errors.New("not authorized")
	e := newEngine(t, map[string][]byte{"comp-a": guestModule(bodyPublishHigh)})
	bridge := newBridge(t, e, mb)

	// The guest returns the publish status, so a rejection surfaces as an
	// application error carrying StatusRejected.
	_, err := bridge.Invoke(context.Background(), "comp-a", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrApplication)

	var appErr *engine.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, wasm.StatusRejected, appErr.Code)
}

func TestPublishConnectionErrorStatus(t *testing.T) {
	mb := mock.NewBroker()
	mb.PublishErr = &core.ConnectionError{Op: "publish", Address: "tcp://localhost:1883", Err: errors.New("not connected")}
	e := newEngine(t, map[string][]byte{"comp-a": guestModule(bodyPublishHigh)})
	bridge := newBridge(t, e, mb)

	_, err := bridge.Invoke(context.Background(), "comp-a", []byte("x"))
	var appErr *engine.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, wasm.StatusConnection, appErr.Code)
}

func TestTrap(t *testing.T) {
	e := newEngine(t, map[string][]byte{"bad": guestModule(bodyTrap)})
	bridge := newBridge(t, e, mock.NewBroker())

	_, err := bridge.Invoke(context.Background(), "bad", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTrap)

	// A trap does not poison later invocations.
	_, err = bridge.Invoke(context.Background(), "bad", []byte("y"))
	assert.ErrorIs(t, err, core.ErrTrap)
}

func TestApplicationError(t *testing.T) {
	e := newEngine(t, map[string][]byte{"fail": guestModule(bodyFail)})
	bridge := newBridge(t, e, mock.NewBroker())

	_, err := bridge.Invoke(context.Background(), "fail", []byte("x"))
	var appErr *engine.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, uint32(7), appErr.Code)
	assert.ErrorIs(t, err, core.ErrApplication)
}

func TestMissingComponent(t *testing.T) {
	e := newEngine(t, map[string][]byte{})
	bridge := newBridge(t, e, mock.NewBroker())

	_, err := bridge.Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, core.ErrMissingComponent)
}

func TestModuleWithoutABIExports(t *testing.T) {
	e := newEngine(t, map[string][]byte{"empty": emptyModule})
	bridge := newBridge(t, e, mock.NewBroker())

	_, err := bridge.Invoke(context.Background(), "empty", nil)
	assert.ErrorIs(t, err, core.ErrSandbox)
	assert.ErrorIs(t, err, wasm.ErrABI)
}

func TestInvalidModuleBytes(t *testing.T) {
	e := newEngine(t, map[string][]byte{"garbage": []byte("not wasm")})
	bridge := newBridge(t, e, mock.NewBroker())

	_, err := bridge.Invoke(context.Background(), "garbage", nil)
	assert.ErrorIs(t, err, core.ErrSandbox)
}

func TestDigestSharedByIdenticalModules(t *testing.T) {
	mod := guestModule(bodyEcho)
	e := newEngine(t, map[string][]byte{"a": mod, "b": mod})
	bridge := newBridge(t, e, mock.NewBroker())

	_, err := bridge.Invoke(context.Background(), "a", []byte("1"))
	require.NoError(t, err)
	_, err = bridge.Invoke(context.Background(), "b", []byte("2"))
	require.NoError(t, err)

	assert.Contains(t, e.Digest("a"), "blake3:")
	assert.Equal(t, e.Digest("a"), e.Digest("b"))
	assert.Empty(t, e.Digest("c"))
}

func TestModulesDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comp-a.wasm"), guestModule(bodyEcho), 0o644))

	ctx := context.Background()
	e, err := wasm.New(ctx, dir,
		wasm.WithLogger(log.New(io.Discard, "ERROR", "json")),
		wasm.WithOutput(io.Discard, io.Discard))
	require.NoError(t, err)
	defer e.Close(ctx)

	mb := mock.NewBroker()
	bridge := newBridge(t, e, mb)

	_, err = bridge.Invoke(ctx, "comp-a", []byte("23.5C"))
	require.NoError(t, err)
	require.Len(t, mb.Published(), 1)
	assert.Equal(t, []byte("23.5C"), mb.Published()[0].Payload)

	_, err = bridge.Invoke(ctx, "comp-b", nil)
	assert.ErrorIs(t, err, core.ErrMissingComponent)

	_, err = bridge.Invoke(ctx, "../comp-a", nil)
	assert.ErrorIs(t, err, core.ErrMissingComponent)
}

func TestPreload(t *testing.T) {
	e := newEngine(t, map[string][]byte{"comp-a": guestModule(bodyEcho)})
	ctx := context.Background()

	require.NoError(t, e.Preload(ctx, "comp-a"))
	assert.Contains(t, e.Digest("comp-a"), "blake3:")

	err := e.Preload(ctx, "comp-b")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestSlowLoadDoesNotBlockOtherComponents(t *testing.T) {
	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	var slowReads atomic.Int32
	ctx := context.Background()
	e, err := wasm.New(ctx, "",
		wasm.WithLogger(log.New(io.Discard, "ERROR", "json")),
		wasm.WithOutput(io.Discard, io.Discard),
		wasm.WithSource(func(component string) ([]byte, error) {
			if component == "slow" {
				if slowReads.Add(1) == 1 {
					close(slowStarted)
				}
				<-releaseSlow
			}
			return guestModule(bodyEcho), nil
		}),
	)
	require.NoError(t, err)
	defer e.Close(ctx)

	var wg sync.WaitGroup
	slowErrs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slowErrs <- e.Preload(ctx, "slow")
		}()
	}
	<-slowStarted

	fastDone := make(chan error, 1)
	go func() { fastDone <- e.Preload(ctx, "fast") }()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loading fast waited for slow")
	}
	assert.Empty(t, e.Digest("slow"))

	close(releaseSlow)
	wg.Wait()
	close(slowErrs)
	for err := range slowErrs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), slowReads.Load(), "concurrent loads of one component share a read")
	assert.Equal(t, e.Digest("fast"), e.Digest("slow"))
}
