// Package crypto provides the canonical hashing, hash-chaining, encryption
// and identifier-generation primitives shared by the ledger, agent, and
// settlement services.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CanonicalJSON renders v as deterministic JSON: object keys sorted, no
// insignificant whitespace. encoding/json already sorts map[string]any keys
// on Marshal; round-tripping through json.Unmarshal first guarantees the
// same treatment for values that started out as structs or []any containing
// nested objects.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-marshal: %w", err)
	}
	return canonical, nil
}

// Hash returns the hex-encoded SHA-256 digest of data.
func Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", sum)
}

// HashEvent computes the canonical hash of an event payload: canonical
// JSON encoding (sorted keys, no whitespace) followed by SHA-256.
func HashEvent(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	canonical, err := CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	return Hash(string(canonical)), nil
}

// HashChain computes the next link in the hash chain: SHA256(previous ||
// ":" || data). When previous is empty the chain has no prior link and the
// caller should use data's hash directly instead of calling HashChain.
func HashChain(previous, data string) string {
	return Hash(previous + ":" + data)
}

// MerkleRoot computes the Merkle root of a list of leaf hashes using plain
// concatenation + SHA-256 at each level (not HashChain), duplicating the
// last leaf when a level has an odd number of nodes. An empty input hashes
// the empty string; a single leaf is its own root.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return Hash("")
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([]string, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, Hash(level[i]+level[i+1]))
		}
		level = next
	}
	return level[0]
}

// GenerateEventID returns a URL-safe, base64-encoded 128-bit random
// identifier, the token form ledger event rows use as their primary key.
func GenerateEventID() (string, error) {
	return randomURLSafe(16)
}

// GenerateID returns a general-purpose opaque 128-bit identifier rendered
// as text, used for every entity primary key (agents, workflow
// definitions/executions, tasks, rules, signals, policies) except ledger
// events, which keep GenerateEventID's token form.
func GenerateID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

// GenerateAPIKey returns a plaintext agent API key with the "uaef_" prefix
// followed by 32 random bytes, base64url-encoded. The plaintext is returned
// exactly once by the caller; only its SHA-256 hash is persisted.
func GenerateAPIKey() (string, error) {
	token, err := randomURLSafe(32)
	if err != nil {
		return "", err
	}
	return "uaef_" + token, nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey returns the hex SHA-256 digest of a plaintext API key, the
// form persisted alongside an agent record.
func HashAPIKey(plaintext string) string {
	return Hash(plaintext)
}

// VerifyAPIKey compares a plaintext API key against a stored hash in
// constant time, preventing timing attacks on credential verification.
func VerifyAPIKey(plaintext, storedHash string) bool {
	computed := HashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
