package core

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// RequestHash fingerprints a request for Idempotency-Key replay checks. JSON
// bodies are canonicalized first, so key order and whitespace do not matter.
func RequestHash(body []byte, method, path string) string {
	h := blake3.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(canonicalJSON(body))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes body; encoding/json writes object keys sorted.
// Bodies that are not JSON are hashed as-is.
func canonicalJSON(body []byte) []byte {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	b, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return b
}
