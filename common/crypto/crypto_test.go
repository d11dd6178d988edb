package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/agentgate/agentgate/common/crypto"
)

func testKey() []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestRoundtrip(t *testing.T) {
	key := testKey()
	plaintext := []byte(`{"access_token":"xyz","refresh_token":"abc"}`)

	sealed, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("access_token")) {
		t.Fatal("sealed payload leaks plaintext")
	}
	recovered, err := crypto.Decrypt(key, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("recovered %q", recovered)
	}

	// Empty plaintext round-trips too.
	sealed, err = crypto.Encrypt(key, nil)
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}
	if recovered, err = crypto.Decrypt(key, sealed); err != nil || len(recovered) != 0 {
		t.Errorf("empty roundtrip: %q, %v", recovered, err)
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	key := testKey()
	a, err := crypto.Encrypt(key, []byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := crypto.Encrypt(key, []byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestDecrypt_Failures(t *testing.T) {
	key := testKey()
	sealed, err := crypto.Encrypt(key, []byte("credential"))
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := crypto.Decrypt(key, tampered); err == nil {
		t.Error("tampered ciphertext decrypted")
	}

	other := testKey()
	other[0] ^= 0xFF
	if _, err := crypto.Decrypt(other, sealed); err == nil {
		t.Error("foreign key decrypted")
	}

	if _, err := crypto.Decrypt(key, []byte("tiny")); err == nil {
		t.Error("short ciphertext accepted")
	}
	if _, err := crypto.Decrypt(make([]byte, 16), sealed); err == nil {
		t.Error("short key accepted")
	}
	if _, err := crypto.Encrypt(make([]byte, 16), []byte("x")); err == nil {
		t.Error("short key accepted on encrypt")
	}
}

func TestParseMasterKey(t *testing.T) {
	hexKey := strings.Repeat("ab", crypto.KeySize)
	key, err := crypto.ParseMasterKey("  " + hexKey + "\n")
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("key length %d", len(key))
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := crypto.ParseMasterKey(bad); err == nil {
			t.Errorf("ParseMasterKey(%q) accepted", bad)
		}
	}
}
