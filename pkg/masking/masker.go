package masking

// Masker masks sensitive material in a string using structural knowledge
// rather than a single regex pass.
type Masker interface {
	// Name returns the identifier used to reference this masker.
	Name() string

	// AppliesTo reports whether the content looks like something this
	// masker understands.
	AppliesTo(content string) bool

	// Mask returns the content with sensitive values replaced.
	Mask(content string) string
}
