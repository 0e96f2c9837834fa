package router

import (
	"fmt"
	"strings"
	"time"
)

// AgentType classifies an executor for routing purposes.
type AgentType string

const (
	TypeSpecialist   AgentType = "specialist"
	TypeGeneralist   AgentType = "generalist"
	TypeOrchestrator AgentType = "orchestrator"
	TypeAny          AgentType = "any"
)

// AgentInfo is the router's view of one executor. Capabilities are
// case-folded at registration; InFlight and SuccessRate are maintained
// by the router and snapshot values elsewhere.
type AgentInfo struct {
	Name         string        `json:"name"`
	Type         AgentType     `json:"agent_type"`
	Capabilities []string      `json:"capabilities,omitempty"`
	MaxTasks     int           `json:"max_tasks"`
	InFlight     int           `json:"current_tasks"`
	AvgTaskTime  time.Duration `json:"avg_task_time,omitempty"`
	SuccessRate  float64       `json:"success_rate"`
	Active       bool          `json:"active"`
}

// Available reports whether the agent can accept another task.
func (a AgentInfo) Available() bool {
	return a.Active && a.InFlight < a.MaxTasks
}

// Utilization is the share of the agent's task slots in use.
func (a AgentInfo) Utilization() float64 {
	if a.MaxTasks <= 0 {
		return 1.0
	}
	return float64(a.InFlight) / float64(a.MaxTasks)
}

// RoutingDecision is the outcome of routing one task.
type RoutingDecision struct {
	AgentName         string   `json:"agent_name"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	AlternativeAgents []string `json:"alternative_agents,omitempty"`
}

// NoEligibleAgentError reports that no registered agent could serve a
// task. The engine treats it as a retryable step failure.
type NoEligibleAgentError struct {
	TaskID   string
	Required []string
}

func (e *NoEligibleAgentError) Error() string {
	if len(e.Required) == 0 {
		return fmt.Sprintf("no eligible agent for task %s: no agent available", e.TaskID)
	}
	return fmt.Sprintf("no eligible agent for task %s: no available agent matches capabilities [%s]",
		e.TaskID, strings.Join(e.Required, ", "))
}
