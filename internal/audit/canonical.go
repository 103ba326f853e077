package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// maxCanonicalString bounds string values before hashing so one oversized
// field cannot dominate the audit line.
const maxCanonicalString = 8000

// CanonicalJSON renders v with recursively sorted object keys, no HTML
// escaping and long strings truncated.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	generic = clampStrings(generic)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func clampStrings(v any) any {
	switch t := v.(type) {
	case string:
		if len(t) > maxCanonicalString {
			return fmt.Sprintf("%s...[truncated:%d]", t[:maxCanonicalString], len(t))
		}
		return t
	case []any:
		for i := range t {
			t[i] = clampStrings(t[i])
		}
		return t
	case map[string]any:
		for k, inner := range t {
			t[k] = clampStrings(inner)
		}
		return t
	default:
		return v
	}
}

// PayloadHash is the hex sha256 of the canonical form of body.
func PayloadHash(body any) string {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", body))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
