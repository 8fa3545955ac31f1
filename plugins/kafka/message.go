package kafka

import (
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/mqttrigger/core"
)

// kafkaTopic maps an MQTT topic onto a Kafka topic name. Kafka has no
// topic hierarchy, so levels are joined with '.'.
func kafkaTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// topicOf maps a Kafka topic name back to an MQTT topic.
func topicOf(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// fromKafka adapts a kafka.Message.
func fromKafka(m kafka.Message, qos core.QoS) core.Message {
	return core.Message{Topic: topicOf(m.Topic), Payload: m.Value, QoS: qos}
}
