package masking

import (
	"encoding/json"
	"log/slog"
)

// Service applies credential masking to interaction payloads before they are
// persisted. Created once at application startup (singleton). Thread-safe and
// stateless aside from compiled patterns.
type Service struct {
	patterns    []*CompiledPattern
	codeMaskers map[string]Masker
}

// NewService creates a masking service with compiled patterns and registered maskers.
// All patterns are compiled eagerly at creation time. Invalid patterns are logged
// and skipped.
func NewService() *Service {
	s := &Service{
		patterns:    compilePatterns(),
		codeMaskers: make(map[string]Masker),
	}

	s.registerMasker(&CredentialFieldMasker{})

	slog.Info("Masking service initialized",
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// MaskString applies code-based maskers then regex patterns to content.
func (s *Service) MaskString(content string) string {
	if content == "" {
		return content
	}

	masked := content

	// Phase 1: code-based maskers (structural awareness)
	for _, masker := range s.codeMaskers {
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: regex patterns (general sweep)
	for _, pattern := range s.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked
}

// MaskJSON masks a raw JSON payload. The result is guaranteed to remain valid
// JSON: if masking breaks the document the original is returned unchanged.
func (s *Service) MaskJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}

	masked := s.MaskString(string(raw))
	if masked == string(raw) {
		return raw
	}

	if !json.Valid([]byte(masked)) {
		slog.Warn("Masked payload is no longer valid JSON, keeping original")
		return raw
	}

	return json.RawMessage(masked)
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
