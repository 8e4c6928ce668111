package crypto

import "testing"

func TestSecretHashRoundTrip(t *testing.T) {
	hash, err := HashSecret("dock-password-1")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	if !VerifySecret("dock-password-1", hash) {
		t.Fatal("expected matching secret to verify")
	}
	if VerifySecret("wrong", hash) {
		t.Fatal("expected mismatched secret to fail")
	}
}

func TestTokenSealRoundTrip(t *testing.T) {
	// 32 hex chars = 128-bit key
	const key = "000102030405060708090a0b0c0d0e0f"

	sealed, err := EncryptToken(key, "uc-token-abc123")
	if err != nil {
		t.Fatalf("encrypt token: %v", err)
	}
	if sealed == "uc-token-abc123" {
		t.Fatal("sealed token must not equal plaintext")
	}

	plain, err := DecryptToken(key, sealed)
	if err != nil {
		t.Fatalf("decrypt token: %v", err)
	}
	if plain != "uc-token-abc123" {
		t.Fatalf("expected round-trip token, got %q", plain)
	}

	if _, err := DecryptToken("ff00ff00ff00ff00ff00ff00ff00ff00", sealed); err == nil {
		t.Fatal("expected decrypt with wrong key to fail")
	}
}
