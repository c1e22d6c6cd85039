package crypto

import "testing"

func TestHashChainDeterministic(t *testing.T) {
	a := HashChain("abc", "data")
	b := HashChain("abc", "data")
	if a != b {
		t.Fatalf("expected deterministic hash, got %s != %s", a, b)
	}
}

func TestHashChainDiffersByPrevious(t *testing.T) {
	a := HashChain("abc", "data")
	b := HashChain("xyz", "data")
	if a == b {
		t.Fatal("expected different previous hash to change the result")
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b, err := CanonicalJSON(map[string]any{"a": 2, "b": 1})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected key order independence, got %s != %s", a, b)
	}
	if string(a) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %s", a)
	}
}

func TestHashEventStable(t *testing.T) {
	h1, err := HashEvent(map[string]any{"x": 1, "y": "z"})
	if err != nil {
		t.Fatalf("hash event: %v", err)
	}
	h2, err := HashEvent(map[string]any{"y": "z", "x": 1})
	if err != nil {
		t.Fatalf("hash event: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected order-independent hash, got %s != %s", h1, h2)
	}
}

func TestMerkleRootSingleLeafIsItself(t *testing.T) {
	if got := MerkleRoot([]string{"abc"}); got != "abc" {
		t.Fatalf("expected single leaf root to equal itself, got %s", got)
	}
}

func TestMerkleRootEmptyIsHashOfEmptyString(t *testing.T) {
	if got := MerkleRoot(nil); got != Hash("") {
		t.Fatalf("expected hash of empty string, got %s", got)
	}
}

func TestMerkleRootOddCountDuplicatesLastLeaf(t *testing.T) {
	hashes := []string{"a", "b", "c"}
	withDup := MerkleRoot([]string{"a", "b", "c", "c"})
	if got := MerkleRoot(hashes); got != withDup {
		t.Fatalf("expected odd-count root to equal explicit duplicate-last-leaf root")
	}
}

func TestGenerateAPIKeyHasPrefix(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	if len(key) < len("uaef_") || key[:5] != "uaef_" {
		t.Fatalf("expected uaef_ prefix, got %s", key)
	}
}

func TestVerifyAPIKeyConstantTime(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	hash := HashAPIKey(key)
	if !VerifyAPIKey(key, hash) {
		t.Fatal("expected verification to succeed for matching key")
	}
	if VerifyAPIKey("uaef_wrong", hash) {
		t.Fatal("expected verification to fail for mismatched key")
	}
}

func TestEncryptionRoundTrip(t *testing.T) {
	svc := NewEncryptionService("test-passphrase")
	ciphertext, err := svc.Encrypt("super secret value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := svc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "super secret value" {
		t.Fatalf("expected round trip to preserve value, got %s", plaintext)
	}
}

func TestEncryptionWrongPassphraseFails(t *testing.T) {
	ciphertext, err := NewEncryptionService("correct").Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := NewEncryptionService("incorrect").Decrypt(ciphertext); err == nil {
		t.Fatal("expected decryption with wrong passphrase to fail")
	}
}
