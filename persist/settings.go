package persist

// Settings configures a single persist or unpersist call. The zero value
// is usable; unset fields take the documented defaults. Settings are
// passed explicitly rather than read from process-wide state.
type Settings struct {
	// MaxComplexity bounds object-graph recursion depth. Exceeding it is
	// a hard error rather than a stack overflow.
	MaxComplexity int

	// GeneratePath adds an object-graph breadcrumb to error messages, at
	// a bookkeeping cost on every visited value.
	GeneratePath bool

	// StripDebugInfo omits prototype source and routine names from the
	// stream. Debug info is written unless a caller opts out, so the
	// zero value keeps it.
	StripDebugInfo bool
}

const defaultMaxComplexity = 10000

// DefaultSettings returns the documented defaults: complexity ceiling
// 10000, no path generation, debug info written.
func DefaultSettings() Settings {
	return Settings{MaxComplexity: defaultMaxComplexity}
}

func (s Settings) withDefaults() Settings {
	if s.MaxComplexity <= 0 {
		s.MaxComplexity = defaultMaxComplexity
	}
	return s
}
