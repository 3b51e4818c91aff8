package core

import "time"

// Thread is a provider-assigned conversation context. The ID is opaque and
// never mutated; AssistantRef and CallerRef record which (assistant, caller)
// pair the thread was created for.
type Thread struct {
	ID           string    `json:"id"`
	AssistantRef string    `json:"assistant_ref,omitempty"`
	CallerRef    string    `json:"caller_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
