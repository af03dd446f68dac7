package policy

import "fmt"

// Refusal types. tool_invocation refusals come from invocation policies;
// token_cost refusals come from quota enforcement.
const (
	RefusalTypeToolInvocation = "tool_invocation"
	RefusalTypeTokenCost      = "token_cost"
)

// Refusal is the pair returned when a policy or quota check refuses to
// proceed: a tagged audit form for persisted records and a plain user
// message suitable to stream to the end user. Refusals are not errors; they
// travel back as 200 responses in the provider's native shape.
type Refusal struct {
	Type    string
	Tool    string
	Reason  string
	Message string
}

// AuditMessage renders the refusal wrapped in metadata tags for persistence.
func (r *Refusal) AuditMessage() string {
	return fmt.Sprintf("<archestra-refusal type=%q tool=%q reason=%q>%s</archestra-refusal>",
		r.Type, r.Tool, r.Reason, r.Message)
}

// UserMessage returns the plain-text refusal shown to the end user.
func (r *Refusal) UserMessage() string {
	return r.Message
}
