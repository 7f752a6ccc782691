package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// generatedKeyLength is the number of hash characters kept in a generated
// key. Long enough to make collisions between distinct request signatures
// negligible, short enough to keep keys cheap.
const generatedKeyLength = 16

// hashKey produces the fixed-length hashed form used for keys longer than
// a tier's maximum key length.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// generateKey builds a stable content-hash key for a request signature and
// its parameters. encoding/json sorts map keys, so identical logical
// requests always collide to the same key regardless of caller.
func generateKey(namespace, signature string, params map[string]interface{}) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(signature))
	h.Write([]byte{0})
	h.Write(canonical)
	digest := hex.EncodeToString(h.Sum(nil))

	return namespace + ":" + digest[:generatedKeyLength], nil
}
