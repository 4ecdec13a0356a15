package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// DomainRequest separates request hashes from any other sha256 use. The suffix
// leaves room for a future serialization change without colliding with old rows.
const DomainRequest = "content-orchestrator/request/v1"

// HashRequest returns the hex digest of the canonical form of body.
// body may be raw JSON ([]byte or json.RawMessage) or any value encoding/json accepts.
func HashRequest(body any) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	return hashWithDomain(DomainRequest, canonical), nil
}

// Canonicalize serializes body with sorted object keys, NFC-normalized strings,
// numbers kept as written and no insignificant whitespace.
func Canonicalize(body any) ([]byte, error) {
	var raw []byte
	switch b := body.(type) {
	case nil:
		raw = []byte("null")
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		raw = encoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode request body: trailing data")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		// Keys are compared after normalization so that composed and decomposed
		// spellings of the same key sort identically.
		keys := make([]string, 0, len(val))
		byNorm := make(map[string]string, len(val))
		for k := range val {
			nk := norm.NFC.String(k)
			keys = append(keys, nk)
			byNorm[nk] = k
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, nk := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, nk); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[byNorm[nk]]); err != nil {
				return fmt.Errorf("[%q]: %w", nk, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
