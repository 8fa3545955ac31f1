package rabbitmq

import (
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/miladsoleymani/mqttrigger/core"
)

// routingKey maps an MQTT topic or filter onto AMQP topic-exchange syntax.
// This is the mapping RabbitMQ's own MQTT plugin uses on amq.topic.
func routingKey(topic string) string {
	return core.TranslateFilter(topic, ".", "*", "#")
}

// topicOf maps a concrete routing key back to an MQTT topic.
func topicOf(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// fromDelivery adapts an amqp.Delivery.
func fromDelivery(d amqp.Delivery, qos core.QoS) core.Message {
	return core.Message{Topic: topicOf(d.RoutingKey), Payload: d.Body, QoS: qos}
}
