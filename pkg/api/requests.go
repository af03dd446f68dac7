package api

// UpdateToolTrustRequest carries the trust-flag changes for one tool.
// Omitted fields keep their current value; at least one must be set.
type UpdateToolTrustRequest struct {
	AllowUsageWhenUntrustedDataIsPresent *bool `json:"allow_usage_when_untrusted_data_is_present,omitempty"`
	DataIsTrustedByDefault               *bool `json:"data_is_trusted_by_default,omitempty"`
}
