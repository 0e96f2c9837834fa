package events

import (
	"encoding/json"
	"time"
)

// Type names every event the core emits.
type Type string

const (
	WorkflowStarted   Type = "workflow_started"
	WorkflowCompleted Type = "workflow_completed"
	WorkflowFailed    Type = "workflow_failed"
	StepStarted       Type = "step_started"
	StepCompleted     Type = "step_completed"
	StepRetrying      Type = "step_retrying"
	StepTimeout       Type = "step_timeout"
	AgentRegistered   Type = "agent_registered"
	AgentUnregistered Type = "agent_unregistered"
)

// Event is a single lifecycle notification. Source is the workflow ID
// for workflow and step events and "router" for agent events. Seq is a
// per-source monotonic sequence assigned at publish time.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Seq       uint64                 `json:"seq"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Marshal returns the event as JSON for relays and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New builds an event stamped with the current time.
func New(t Type, source string, data map[string]interface{}) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
	}
}
