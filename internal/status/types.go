package status

import "github.com/miladsoleymani/mqttrigger/core"

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status              string `json:"status"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
	Listeners           int    `json:"listeners"`
	ListenersUp         int    `json:"listeners_up"`
	ListenersTerminated int    `json:"listeners_terminated"`
}

// ListenersResponse is returned by GET /listeners.
type ListenersResponse struct {
	Trigger    core.TriggerMetadata  `json:"trigger"`
	Listeners  []core.ListenerStatus `json:"listeners"`
	Components []ComponentStats      `json:"components"`
}

// ComponentResponse is returned by GET /components/{component}.
type ComponentResponse struct {
	Stats    ComponentStats        `json:"stats"`
	Bindings []core.ListenerStatus `json:"bindings"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
