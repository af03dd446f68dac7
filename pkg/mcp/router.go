package mcp

import (
	"fmt"
	"regexp"
)

// ToolNameSeparator joins a server ID and a tool name into the name
// advertised to the model. Both providers restrict function names to
// word characters and hyphens, so a dot separator is not usable.
const ToolNameSeparator = "__"

// toolNameRegex validates the "server__tool" format.
// Both server and tool parts must start with a word character and contain
// only word characters and hyphens.
var toolNameRegex = regexp.MustCompile(`^([\w][\w-]*?)__([\w][\w-]*)$`)

// JoinToolName builds the provider-facing name for a managed tool.
func JoinToolName(serverID, toolName string) string {
	return serverID + ToolNameSeparator + toolName
}

// SplitToolName splits "server__tool" into (serverID, toolName, error).
// Validates format with strict regex: server and tool parts must be
// word characters and hyphens, non-empty.
func SplitToolName(name string) (serverID, toolName string, err error) {
	matches := toolNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", "", fmt.Errorf(
			"invalid tool name %q: must be in 'server__tool' format "+
				"(e.g., 'github__list_issues')", name)
	}
	return matches[1], matches[2], nil
}

// IsManagedToolName reports whether name has the server__tool shape.
// Inbound tools supplied by the caller keep their own names and never
// collide with this format check alone; the proxy resolves collisions
// by name against the managed set.
func IsManagedToolName(name string) bool {
	return toolNameRegex.MatchString(name)
}
