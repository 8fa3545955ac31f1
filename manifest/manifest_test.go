package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/manifest"
)

const valid = `
trigger:
  type: mqtt
  address: mqtt://localhost:1883
  qos: 1
components:
  - component: comp-a
    topic: sensors/temp
    qos: 0
  - component: comp-b
    topic: sensors/+/humidity
    qos: 2
  - component: comp-a
    topic: alerts/#
    qos: 1
`

func problems(t *testing.T, err error) []manifest.FieldError {
	t.Helper()
	var cfgErr *manifest.ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected *ConfigError, got %v", err)
	return cfgErr.Problems
}

func paths(ps []manifest.FieldError) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Path
	}
	return out
}

func TestResolve_Valid(t *testing.T) {
	meta, bindings, err := manifest.Resolve([]byte(valid))
	require.NoError(t, err)

	assert.Equal(t, core.TriggerMetadata{Type: "mqtt", Address: "mqtt://localhost:1883", QoS: core.AtLeastOnce}, meta)
	assert.Equal(t, []core.ComponentBinding{
		{Component: "comp-a", Topic: "sensors/temp", QoS: core.AtMostOnce},
		{Component: "comp-b", Topic: "sensors/+/humidity", QoS: core.ExactlyOnce},
		{Component: "comp-a", Topic: "alerts/#", QoS: core.AtLeastOnce},
	}, bindings)
}

func TestResolve_NoComponents(t *testing.T) {
	for _, doc := range []string{
		"trigger: {type: mqtt, address: tcp://b:1883, qos: 0}\n",
		"trigger: {type: mqtt, address: tcp://b:1883, qos: 0}\ncomponents: []\n",
		"trigger: {type: mqtt, address: tcp://b:1883, qos: 0}\ncomponents:\n",
	} {
		_, bindings, err := manifest.Resolve([]byte(doc))
		require.NoError(t, err, doc)
		assert.Empty(t, bindings)
	}
}

func TestResolve_MissingAddress(t *testing.T) {
	doc := `
trigger:
  type: mqtt
  qos: 1
components:
  - component: comp-a
    topic: sensors/temp
    qos: 0
`
	meta, bindings, err := manifest.Resolve([]byte(doc))
	require.Error(t, err)
	assert.Zero(t, meta)
	assert.Nil(t, bindings)

	ps := problems(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, manifest.FieldError{Path: "trigger.address", Reason: "required field missing"}, ps[0])
	assert.Equal(t, "manifest: trigger.address: required field missing", err.Error())
}

func TestResolve_UnknownFields(t *testing.T) {
	doc := `
trigger:
  type: mqtt
  address: mqtt://localhost:1883
  qos: 1
  keep_alive: 30
components:
  - component: comp-a
    topic: sensors/temp
    qos: 0
    retain: true
extra: 1
`
	_, _, err := manifest.Resolve([]byte(doc))
	ps := problems(t, err)
	assert.ElementsMatch(t, []string{"trigger.keep_alive", "components[0].retain", "extra"}, paths(ps))
	for _, p := range ps {
		assert.Equal(t, "unknown field", p.Reason)
	}
}

func TestResolve_EnumeratesEveryProblem(t *testing.T) {
	doc := `
trigger:
  type: amqp
  qos: 7
components:
  - component: comp-a
    qos: "high"
  - topic: [a, b]
    qos: 1
  - 42
`
	_, _, err := manifest.Resolve([]byte(doc))
	ps := problems(t, err)
	assert.ElementsMatch(t, []string{
		"trigger.type",
		"trigger.address",
		"trigger.qos",
		"components[0].qos",
		"components[0].topic",
		"components[1].topic",
		"components[1].component",
		"components[2]",
	}, paths(ps))
	assert.Contains(t, err.Error(), "8 problems")
}

func TestResolve_WrongTypes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"trigger not a mapping", "trigger: mqtt\n", "trigger"},
		{"components not a list", "trigger: {type: mqtt, address: a, qos: 0}\ncomponents: {a: b}\n", "components"},
		{"qos float", "trigger: {type: mqtt, address: a, qos: 1.5}\n", "trigger.qos"},
		{"qos negative", "trigger: {type: mqtt, address: a, qos: -1}\n", "trigger.qos"},
		{"address integer", "trigger: {type: mqtt, address: 1883, qos: 0}\n", "trigger.address"},
		{"address empty", "trigger: {type: mqtt, address: \"\", qos: 0}\n", "trigger.address"},
		{"topic wildcard misuse", "trigger: {type: mqtt, address: a, qos: 0}\ncomponents: [{component: c, topic: \"a/#/b\", qos: 0}]\n", "components[0].topic"},
		{"top level list", "- a\n- b\n", "manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := manifest.Resolve([]byte(tt.doc))
			assert.Contains(t, paths(problems(t, err)), tt.path)
		})
	}
}

func TestResolve_DuplicateField(t *testing.T) {
	doc := "trigger: {type: mqtt, address: a, qos: 0, qos: 1}\n"
	_, _, err := manifest.Resolve([]byte(doc))
	ps := problems(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, manifest.FieldError{Path: "trigger.qos", Reason: "duplicate field"}, ps[0])
}

func TestResolve_EmptyAndMalformed(t *testing.T) {
	_, _, err := manifest.Resolve(nil)
	assert.Equal(t, []string{"manifest"}, paths(problems(t, err)))

	_, _, err = manifest.Resolve([]byte("trigger: [unclosed"))
	assert.Equal(t, []string{"manifest"}, paths(problems(t, err)))
}

func TestResolve_Types(t *testing.T) {
	doc := []byte("trigger: {type: nats, address: nats://localhost:4222, qos: 0}\n")

	_, _, err := manifest.Resolve(doc)
	ps := problems(t, err)
	require.Len(t, ps, 1)
	assert.Contains(t, ps[0].Reason, `unsupported trigger type "nats"`)

	meta, _, err := manifest.Resolve(doc, "mqtt", "nats")
	require.NoError(t, err)
	assert.Equal(t, "nats", meta.Type)
}

func TestResolve_EnvInterpolation(t *testing.T) {
	t.Setenv("MQTTRIGGER_TEST_HOST", "broker.local")
	t.Setenv("MQTTRIGGER_TEST_QOS", "2")

	doc := `
trigger:
  type: mqtt
  address: mqtt://${MQTTRIGGER_TEST_HOST}:1883
  qos: ${MQTTRIGGER_TEST_QOS}
components:
  - component: comp-a
    topic: ${MQTTRIGGER_TEST_UNSET}/temp
    qos: 0
`
	_, _, err := manifest.Resolve([]byte(doc))
	ps := problems(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "components[0].topic", ps[0].Path)
	assert.Contains(t, ps[0].Reason, "${MQTTRIGGER_TEST_UNSET} is not set")

	t.Setenv("MQTTRIGGER_TEST_UNSET", "sensors")
	meta, bindings, err := manifest.Resolve([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "mqtt://broker.local:1883", meta.Address)
	assert.Equal(t, core.ExactlyOnce, meta.QoS)
	assert.Equal(t, "sensors/temp", bindings[0].Topic)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trigger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(valid), 0o600))

	meta, bindings, err := manifest.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mqtt://localhost:1883", meta.Address)
	assert.Len(t, bindings, 3)

	_, _, err = manifest.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
