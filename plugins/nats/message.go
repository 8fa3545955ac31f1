package nats

import (
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/mqttrigger/core"
)

// Subjects are translated to and from MQTT topic syntax at the boundary so
// handlers and manifests only ever see MQTT topics. Topic levels must not
// contain '.'.

func subject(topic string) string {
	return core.TranslateFilter(topic, ".", "*", ">")
}

// topicOf maps a concrete subject back to an MQTT topic.
func topicOf(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// fromMsg adapts a core NATS message.
func fromMsg(m *nats.Msg, qos core.QoS) core.Message {
	return core.Message{Topic: topicOf(m.Subject), Payload: m.Data, QoS: qos}
}

// fromJetStream adapts a JetStream message.
func fromJetStream(m jetstream.Msg, qos core.QoS) core.Message {
	return core.Message{Topic: topicOf(m.Subject()), Payload: m.Data(), QoS: qos}
}
