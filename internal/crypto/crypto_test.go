package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key, err := ParseKey(GenerateKey())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	enc, err := Encrypt(key, "s3cret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(enc, SecretPrefix) {
		t.Fatalf("encrypted value %q lacks prefix", enc)
	}
	got, err := Decrypt(key, enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Decrypt = %q, want s3cret", got)
	}
}

func TestDecrypt_PlainValuePassesThrough(t *testing.T) {
	got, err := Decrypt(nil, "plain")
	if err != nil || got != "plain" {
		t.Errorf("Decrypt(plain) = %q, %v", got, err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	k1, _ := ParseKey(GenerateKey())
	k2, _ := ParseKey(GenerateKey())
	enc, err := Encrypt(k1, "value")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(k2, enc); err == nil {
		t.Error("expected error decrypting with a different key")
	}
}

func TestDecrypt_NoKey(t *testing.T) {
	if _, err := Decrypt(nil, SecretPrefix+"abc"); !errors.Is(err, ErrNoKey) {
		t.Errorf("err = %v, want ErrNoKey", err)
	}
	if _, err := ParseKey(""); !errors.Is(err, ErrNoKey) {
		t.Errorf("ParseKey(\"\") err = %v, want ErrNoKey", err)
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{"": "", "abc": "****", "password1": "****ord1"}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
