// Package quarantine isolates untrusted tool content from the primary model.
// Untrusted blobs are shown only to a secondary, sandboxed model together
// with a finite candidate-answer list; the chosen candidate string replaces
// the original content, so no untrusted bytes ever reach the primary
// context.
package quarantine

import "strings"

// NoRelevantContent terminates every candidate list and doubles as the
// answer for malformed secondary replies.
const NoRelevantContent = "no relevant content"

// summaryLabelTable maps tool-name keywords to the label set offered for
// summary questions. Lookup is an ordered substring scan over the lowercased
// tool name so the table stays deterministic.
var summaryLabelTable = []struct {
	keyword string
	labels  []string
}{
	{"email", []string{"personal correspondence", "work correspondence", "newsletter or promotion", "automated notification"}},
	{"mail", []string{"personal correspondence", "work correspondence", "newsletter or promotion", "automated notification"}},
	{"calendar", []string{"upcoming meeting", "schedule change", "event reminder"}},
	{"search", []string{"news article", "reference material", "product listing"}},
	{"web", []string{"news article", "reference material", "product listing"}},
	{"file", []string{"document", "spreadsheet or data", "source code", "configuration"}},
}

var defaultSummaryLabels = []string{"informational content", "action required", "automated notification"}

// Candidates returns the ordered, finite candidate answers the secondary
// model may choose from for the given question and source tool. The table is
// a pure function of its inputs; no model output ever feeds back into it.
func Candidates(question, toolName string) []string {
	q := strings.ToLower(question)

	switch {
	case strings.Contains(q, "urgen"):
		return []string{"urgent", "not urgent", NoRelevantContent}
	case strings.Contains(q, "summar"):
		return append(summaryLabels(toolName), NoRelevantContent)
	default:
		return []string{"yes", "no", NoRelevantContent}
	}
}

func summaryLabels(toolName string) []string {
	name := strings.ToLower(toolName)
	for _, entry := range summaryLabelTable {
		if strings.Contains(name, entry.keyword) {
			return append([]string(nil), entry.labels...)
		}
	}
	return append([]string(nil), defaultSummaryLabels...)
}
