package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/mqttrigger/broker"
	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/internal/mock"
)

// testBroker is handed out by the "memory" backend registered below.
var testBroker *mock.Broker

func init() {
	broker.Register("memory", func(broker.Config) (core.Broker, error) {
		if testBroker == nil {
			return nil, errors.New("no test broker")
		}
		return testBroker, nil
	})
}

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trigger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

const memoryManifest = `
trigger:
  type: memory
  address: memory://local
  qos: 1
components:
  - component: comp-a
    topic: sensors/temp
    qos: 0
  - component: comp-b
    topic: sensors/+
    qos: 1
`

func TestRunVersion(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"-version"}, &stderr))
	assert.Contains(t, stderr.String(), "mqtt-trigger version "+version)
}

func TestRunHelp(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"-h"}, &stderr))
	assert.Contains(t, stderr.String(), "-manifest")
}

func TestRunBadFlags(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 2, run(context.Background(), []string{"-nope"}, &stderr))
	assert.Equal(t, 2, run(context.Background(), []string{"extra"}, &stderr))
	assert.Equal(t, 2, run(context.Background(), []string{"-broker-opt", "novalue"}, &stderr))
}

func TestRunMissingManifest(t *testing.T) {
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-manifest", filepath.Join(t.TempDir(), "none.yaml")}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "none.yaml")
}

func TestRunInvalidManifest(t *testing.T) {
	path := writeManifest(t, `
trigger:
  type: mqtt
  qos: 1
components:
  - component: comp-a
    topic: sensors/temp
    qos: 0
`)
	var stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), []string{"-manifest", path}, &stderr))
	assert.Contains(t, stderr.String(), "manifest: trigger.address: required field missing")
}

func TestRunUnknownType(t *testing.T) {
	path := writeManifest(t, `
trigger:
  type: carrier-pigeon
  address: coop://roof
  qos: 0
`)
	var stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), []string{"-manifest", path}, &stderr))
	assert.Contains(t, stderr.String(), "trigger.type")
}

func TestRunNoComponents(t *testing.T) {
	path := writeManifest(t, `
trigger:
  type: mqtt
  address: mqtt://localhost:1883
  qos: 1
`)
	var stderr bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"-manifest", path}, &stderr))
}

func TestRunConnectFailure(t *testing.T) {
	path := writeManifest(t, `
trigger:
  type: mqtt
  address: mqtt://127.0.0.1:1
  qos: 1
components:
  - component: comp-a
    topic: sensors/temp
    qos: 0
`)
	var stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-manifest", path,
		"-modules-dir", t.TempDir(),
		"-connect-timeout", "2s",
	}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "connect")
}

func TestRunUntilCancelled(t *testing.T) {
	testBroker = mock.NewBroker()
	t.Cleanup(func() { testBroker = nil })
	mb := testBroker
	statusAddr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() {
		var stderr bytes.Buffer
		done <- run(ctx, []string{
			"-manifest", writeManifest(t, memoryManifest),
			"-modules-dir", t.TempDir(),
			"-status-addr", statusAddr,
			"-drain-timeout", "1s",
		}, &stderr)
	}()

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	require.True(t, mb.WaitSubscribed(wctx, 2))
	assert.ElementsMatch(t, []string{"sensors/temp", "sensors/+"}, mb.Subscriptions())

	// Both components are missing from the modules dir; listeners log the
	// failure and keep running.
	assert.Equal(t, 2, mb.Deliver("sensors/temp", []byte("23.5C")))

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + statusAddr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.True(t, mb.IsClosed())
	assert.Empty(t, mb.Published())
}

func TestRunAllListenersFail(t *testing.T) {
	testBroker = mock.NewBroker()
	testBroker.SubscribeErr = errors.New("not authorized")
	t.Cleanup(func() { testBroker = nil })

	var stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-manifest", writeManifest(t, memoryManifest),
		"-modules-dir", t.TempDir(),
	}, &stderr)
	assert.Equal(t, 1, code)
	assert.True(t, testBroker.IsClosed())
}

func TestBrokerConfig(t *testing.T) {
	t.Setenv(passwordEnv, "s3cret")
	opts := options{
		clientID:       "trigger-1",
		username:       "svc",
		connectTimeout: 3 * time.Second,
		brokerOpts:     kvFlag{},
	}
	require.NoError(t, opts.brokerOpts.Set("backlog_warning=16"))
	require.NoError(t, opts.brokerOpts.Set("requeue_on_nack=true"))
	require.NoError(t, opts.brokerOpts.Set("exchange=events"))

	cfg := brokerConfig(core.TriggerMetadata{Type: "mqtt", Address: "mqtt://localhost:1883"}, opts)
	assert.Equal(t, "mqtt://localhost:1883", cfg.Address)
	assert.Equal(t, "trigger-1", cfg.ClientID)
	assert.Equal(t, 3*time.Second, cfg.Timeout())
	assert.Equal(t, map[string]any{
		"backlog_warning": 16,
		"requeue_on_nack": true,
		"exchange":        "events",
		"username":        "svc",
		"password":        "s3cret",
	}, cfg.Extra)
	assert.Equal(t, "backlog_warning=16,exchange=events,requeue_on_nack=true", opts.brokerOpts.String())
}

func TestComponents(t *testing.T) {
	got := components([]core.ComponentBinding{
		{Component: "comp-b", Topic: "a"},
		{Component: "comp-a", Topic: "b"},
		{Component: "comp-b", Topic: "c"},
	})
	assert.Equal(t, []string{"comp-a", "comp-b"}, got)
}
