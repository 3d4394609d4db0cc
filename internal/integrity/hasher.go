// Package integrity provides deterministic content hashing and Merkle
// proof construction for covenant and audit data.
//
// All hashes are lowercase hex SHA-256. Object hashing canonicalizes the
// input first (keys sorted at every nesting level) so that two logically
// equal documents always produce the same digest regardless of field
// order.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ZeroHash is the canonical empty digest. Covenant registration rejects it.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashBytes returns the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashString returns the hex-encoded SHA-256 digest of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HashObject canonicalizes obj to key-sorted JSON and hashes it.
func HashObject(obj any) (string, error) {
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return "", err
	}
	return HashString(canonical), nil
}

// BreachID derives a deterministic 32-character breach identifier from the
// loan, the violated rule, and the detection timestamp (unix seconds).
func BreachID(loanID, ruleID string, unixTS int64) string {
	full := HashString(fmt.Sprintf("%s-%s-%d", loanID, ruleID, unixTS))
	return full[:32]
}

// CanonicalJSON produces a deterministic JSON serialization of obj with
// object keys sorted lexicographically at every nesting level.
func CanonicalJSON(obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("reparse for canonicalization: %w", err)
	}
	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		vb, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(vb)
		return nil
	}
}
