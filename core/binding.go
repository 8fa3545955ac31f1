package core

import "fmt"

// TriggerMetadata is the broker-level configuration resolved from the
// manifest. It is created once at startup and never mutated.
type TriggerMetadata struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	QoS     QoS    `json:"qos"` // default outbound QoS
}

// ComponentBinding associates one guest component with one topic filter and
// one subscription QoS. Bindings are independent of each other: the same
// component may be bound to several topics and a topic may fan out to
// several components.
type ComponentBinding struct {
	Component string `json:"component"`
	Topic     string `json:"topic"`
	QoS       QoS    `json:"qos"`
}

func (b ComponentBinding) String() string {
	return fmt.Sprintf("%s@%s(qos=%d)", b.Component, b.Topic, b.QoS)
}
