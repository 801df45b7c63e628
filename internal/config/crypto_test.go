package config

import (
	"testing"
)

func TestSecretKey_EncryptDecrypt(t *testing.T) {
	sk, err := NewSecretKey("test-secret-key-for-unit-tests")
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"jwt_secret", "hs256-signing-secret"},
		{"empty", ""},
		{"special_chars", "s3cr3t-+/=!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := sk.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			if tt.plaintext == "" {
				if encrypted != "" {
					t.Fatal("expected empty encrypted for empty plaintext")
				}
				return
			}

			if !IsEncrypted(encrypted) {
				t.Fatalf("expected enc: prefix, got %s", encrypted)
			}

			decrypted, err := sk.Decrypt(encrypted)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Fatalf("expected %q, got %q", tt.plaintext, decrypted)
			}
		})
	}
}

func TestSecretKey_WrongKeyFails(t *testing.T) {
	a, _ := NewSecretKey("key-a")
	b, _ := NewSecretKey("key-b")

	enc, err := a.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(enc); err == nil {
		t.Fatal("expected decryption with another key to fail")
	}
}

func TestSecretKey_DecryptPlaintext(t *testing.T) {
	sk, err := NewSecretKey("test-key")
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}

	// Non-encrypted string should pass through
	result, err := sk.Decrypt("plain-text-value")
	if err != nil {
		t.Fatalf("Decrypt plain: %v", err)
	}
	if result != "plain-text-value" {
		t.Fatalf("expected plain-text-value, got %s", result)
	}
}

func TestNewSecretKey_RequiresValue(t *testing.T) {
	if _, err := NewSecretKey(""); err == nil {
		t.Fatal("expected error for empty master key")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"hs256-abc123def", "****3def"},
	}

	for _, tt := range tests {
		result := MaskSecret(tt.input)
		if result != tt.expected {
			t.Errorf("MaskSecret(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
