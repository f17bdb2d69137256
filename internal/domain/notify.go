package domain

import "context"

// Invocation is the request handed to the downstream agent.
type Invocation struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	ID        string `json:"id,omitempty"` // notification correlation id
	EntityID  string `json:"entity_id,omitempty"`
}

// Invoker wakes the downstream agent. Only success or failure is interpreted.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) error
}
