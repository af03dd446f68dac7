package masking

import (
	"encoding/json"
	"strings"
)

// MaskedCredentialValue is the replacement string for masked credential field values.
const MaskedCredentialValue = "[MASKED_CREDENTIAL]"

// credentialFieldNames are JSON object keys whose string values are masked
// wherever they appear in the document tree. Matching is case-insensitive.
var credentialFieldNames = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"x-api-key":     true,
	"authorization": true,
	"access_token":  true,
	"refresh_token": true,
	"bearer_token":  true,
	"password":      true,
	"secret":        true,
	"client_secret": true,
}

// CredentialFieldMasker masks the values of credential-bearing fields in JSON
// documents while leaving the rest of the structure untouched.
type CredentialFieldMasker struct{}

// Name returns the unique identifier for this masker.
func (m *CredentialFieldMasker) Name() string { return "credential_field" }

// AppliesTo performs a lightweight check on whether this masker should process the data.
func (m *CredentialFieldMasker) AppliesTo(data string) bool {
	trimmed := strings.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	lower := strings.ToLower(data)
	for name := range credentialFieldNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

// Mask parses the data as JSON and replaces credential field values.
// Returns original data on parse errors.
func (m *CredentialFieldMasker) Mask(data string) string {
	var doc any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return data
	}

	if !maskCredentialFields(doc) {
		return data
	}

	result, err := json.Marshal(doc)
	if err != nil {
		return data
	}

	output := string(result)
	if strings.HasSuffix(data, "\n") {
		output += "\n"
	}

	return output
}

// maskCredentialFields walks the parsed document and masks credential values
// in place. Returns true if any value was masked.
func maskCredentialFields(node any) bool {
	anyMasked := false

	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if credentialFieldNames[strings.ToLower(key)] {
				if _, ok := val.(string); ok {
					v[key] = MaskedCredentialValue
					anyMasked = true
					continue
				}
			}
			if maskCredentialFields(val) {
				anyMasked = true
			}
		}
	case []any:
		for _, item := range v {
			if maskCredentialFields(item) {
				anyMasked = true
			}
		}
	}

	return anyMasked
}
