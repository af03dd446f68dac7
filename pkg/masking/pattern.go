package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns are the regex patterns applied to every audited body.
// They target credential material that must never land in interaction rows.
var builtinPatterns = []struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}{
	{
		Name:        "anthropic_api_key",
		Pattern:     `sk-ant-[A-Za-z0-9_\-]{8,}`,
		Replacement: "***MASKED_API_KEY***",
		Description: "Anthropic API keys",
	},
	{
		Name:        "openai_api_key",
		Pattern:     `sk-[A-Za-z0-9_\-]{20,}`,
		Replacement: "***MASKED_API_KEY***",
		Description: "OpenAI-style secret keys",
	},
	{
		Name:        "bearer_token",
		Pattern:     `(?i)bearer\s+[A-Za-z0-9._~+/=\-]{16,}`,
		Replacement: "Bearer ***MASKED_TOKEN***",
		Description: "Authorization bearer tokens",
	},
	{
		Name:        "basic_auth_url",
		Pattern:     `(?i)(https?://)[^:/\s"]+:[^@/\s"]+@`,
		Replacement: "${1}***MASKED_CREDENTIALS***@",
		Description: "URLs with embedded basic-auth credentials",
	},
}

// compilePatterns compiles the built-in regex patterns.
// Invalid patterns are logged and skipped.
func compilePatterns() []*CompiledPattern {
	compiled := make([]*CompiledPattern, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		compiled = append(compiled, &CompiledPattern{
			Name:        p.Name,
			Regex:       re,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}
	return compiled
}
