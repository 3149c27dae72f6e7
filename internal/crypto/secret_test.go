package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	a, err := RandBytes(SaltLen)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	b, err := RandBytes(SaltLen)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if len(a) != SaltLen || bytes.Equal(a, b) {
		t.Fatalf("expected two distinct %d-byte salts", SaltLen)
	}
}

func TestHashSecret_SaltAndSecretMatter(t *testing.T) {
	t.Parallel()

	salt := []byte("NaCl-16-bytes?!!")
	h1 := HashSecret("1234", salt)
	if !bytes.Equal(h1, HashSecret("1234", salt)) {
		t.Fatalf("hash not deterministic for same input")
	}
	if bytes.Equal(h1, HashSecret("1234", []byte("another-salt----"))) {
		t.Fatalf("hash should differ when salt differs")
	}
	if bytes.Equal(h1, HashSecret("1235", salt)) {
		t.Fatalf("hash should differ when secret differs")
	}
}

func TestNewSecretHash_Verify(t *testing.T) {
	t.Parallel()

	hash, salt, err := NewSecretHash("4711")
	if err != nil {
		t.Fatalf("NewSecretHash: %v", err)
	}
	if !VerifySecret("4711", salt, hash) {
		t.Fatalf("expected true for correct secret")
	}
	if VerifySecret("4712", salt, hash) {
		t.Fatalf("expected false for wrong secret")
	}
	if VerifySecret("", salt, hash) {
		t.Fatalf("expected false for empty secret")
	}
	if VerifySecret("4711", salt, nil) {
		t.Fatalf("expected false for missing hash")
	}
}
