package toolexec

// Metadata argument keys the LLM may attach to a tool call to guide a
// delegated analysis of the result. They are part of the call's
// envelope, not its real arguments, and must never reach the tool
// backend.
const (
	MetaPurpose           = "tool_purpose"
	MetaExpectedFormat    = "expected_format"
	MetaKeyInformation    = "key_information"
	MetaSuccessIndicators = "success_indicators"
	MetaContext           = "context_for_interpretation"
)

var metaKeys = []string{
	MetaPurpose,
	MetaExpectedFormat,
	MetaKeyInformation,
	MetaSuccessIndicators,
	MetaContext,
}

// SplitMeta separates delegation metadata from real tool arguments.
// The returned args map is a copy; the input is never mutated.
func SplitMeta(args map[string]any) (clean map[string]any, meta map[string]string) {
	clean = make(map[string]any, len(args))
	meta = make(map[string]string)

	for k, v := range args {
		clean[k] = v
	}
	for _, key := range metaKeys {
		if v, ok := clean[key]; ok {
			if s, ok := v.(string); ok {
				meta[key] = s
			}
			delete(clean, key)
		}
	}
	return clean, meta
}
