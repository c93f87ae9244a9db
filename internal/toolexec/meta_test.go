package toolexec

import "testing"

func TestSplitMeta(t *testing.T) {
	args := map[string]any{
		"path":                       "/var/log",
		"tool_purpose":               "find errors",
		"expected_format":            "json lines",
		"success_indicators":         "non-empty matches",
		"context_for_interpretation": "production host",
	}

	clean, meta := SplitMeta(args)

	if len(clean) != 1 || clean["path"] != "/var/log" {
		t.Errorf("clean = %#v, want only real arguments", clean)
	}
	if meta["tool_purpose"] != "find errors" || meta["context_for_interpretation"] != "production host" {
		t.Errorf("meta = %#v", meta)
	}
	if _, stillThere := args["tool_purpose"]; !stillThere {
		t.Error("input map was mutated")
	}

	clean, meta = SplitMeta(nil)
	if clean == nil || len(clean) != 0 || len(meta) != 0 {
		t.Errorf("nil input: clean=%#v meta=%#v", clean, meta)
	}
}
