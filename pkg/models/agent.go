// Package models defines the domain entities and request/response types
// shared by the services, policy, quota, and proxy layers.
package models

import "time"

// Label is a key/value pair attached to an agent.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Agent is the unit of policy scoping: it owns tools, prompts, and policies.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Labels    []Label   `json:"labels"`
	TeamIDs   []string  `json:"team_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Team groups agents under an organization for quota scoping.
type Team struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAgentRequest contains fields for creating an agent.
type CreateAgentRequest struct {
	Name    string   `json:"name"`
	Labels  []Label  `json:"labels,omitempty"`
	TeamIDs []string `json:"team_ids,omitempty"`
}
