package models

import "time"

// PolicyOperator defines the comparison operators usable in attribute-path
// policies.
type PolicyOperator string

const (
	OperatorEqual       PolicyOperator = "equal"
	OperatorNotEqual    PolicyOperator = "notEqual"
	OperatorContains    PolicyOperator = "contains"
	OperatorNotContains PolicyOperator = "notContains"
	OperatorStartsWith  PolicyOperator = "startsWith"
	OperatorEndsWith    PolicyOperator = "endsWith"
	OperatorGreaterThan PolicyOperator = "greaterThan"
	OperatorLessThan    PolicyOperator = "lessThan"
)

// IsValid checks if the operator is valid.
func (o PolicyOperator) IsValid() bool {
	switch o {
	case OperatorEqual, OperatorNotEqual,
		OperatorContains, OperatorNotContains,
		OperatorStartsWith, OperatorEndsWith,
		OperatorGreaterThan, OperatorLessThan:
		return true
	default:
		return false
	}
}

// TrustAction defines what a matching trusted-data policy does.
type TrustAction string

const (
	// TrustActionMarkAsTrusted marks matching tool results trusted.
	TrustActionMarkAsTrusted TrustAction = "mark_as_trusted"
	// TrustActionBlockAlways blocks matching tool results from ever reaching
	// a model.
	TrustActionBlockAlways TrustAction = "block_always"
)

// IsValid checks if the trust action is valid.
func (a TrustAction) IsValid() bool {
	return a == TrustActionMarkAsTrusted || a == TrustActionBlockAlways
}

// TrustedDataPolicy classifies a tool's result content by evaluating an
// attribute path against a comparison value.
type TrustedDataPolicy struct {
	ID            string         `json:"id"`
	ToolID        string         `json:"tool_id"`
	AttributePath string         `json:"attribute_path"`
	Operator      PolicyOperator `json:"operator"`
	Value         string         `json:"value"`
	Action        TrustAction    `json:"action"`
	Description   string         `json:"description"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CreateTrustedDataPolicyRequest contains fields for creating a trusted-data
// policy.
type CreateTrustedDataPolicyRequest struct {
	ToolID        string         `json:"tool_id"`
	AttributePath string         `json:"attribute_path"`
	Operator      PolicyOperator `json:"operator"`
	Value         string         `json:"value"`
	Action        TrustAction    `json:"action"`
	Description   string         `json:"description"`
}

// InvocationAction defines what a matching tool-invocation policy does.
type InvocationAction string

const (
	// InvocationActionRequireTrustedContext refuses the call when the
	// conversation context is untrusted.
	InvocationActionRequireTrustedContext InvocationAction = "require_trusted_context"
	// InvocationActionBlockAlways refuses the call unconditionally.
	InvocationActionBlockAlways InvocationAction = "block_always"
)

// IsValid checks if the invocation action is valid.
func (a InvocationAction) IsValid() bool {
	return a == InvocationActionRequireTrustedContext || a == InvocationActionBlockAlways
}

// ToolInvocationPolicy gates whether an agent's model may invoke a named tool.
type ToolInvocationPolicy struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agent_id"`
	ToolName    string           `json:"tool_name"`
	Condition   string           `json:"condition,omitempty"`
	Action      InvocationAction `json:"action"`
	Description string           `json:"description"`
	CreatedAt   time.Time        `json:"created_at"`
}

// CreateToolInvocationPolicyRequest contains fields for creating a
// tool-invocation policy.
type CreateToolInvocationPolicyRequest struct {
	AgentID     string           `json:"agent_id"`
	ToolName    string           `json:"tool_name"`
	Condition   string           `json:"condition,omitempty"`
	Action      InvocationAction `json:"action"`
	Description string           `json:"description"`
}
