package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const redacted = "[redacted]"

// Diff returns a unified diff of the JSON forms of before and after. Any
// "key" field is replaced before diffing; a changed key shows as a changed
// fingerprint line.
func Diff(before, after any) string {
	a := redactedJSON(before)
	b := redactedJSON(after)
	if a == b {
		return ""
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "before",
		ToFile:   "after",
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	return text
}

func redactedJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return string(data)
	}
	for k, val := range m {
		if strings.EqualFold(k, "key") {
			if s, ok := val.(string); ok && s != "" {
				m[k] = redacted + " " + fingerprint(s)
			}
		}
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return ""
	}
	return string(out) + "\n"
}

// fingerprint identifies a key without revealing it.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
