package identity

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/veilchat/messenger/internal/crypto"
)

func TestSealUnsealWithPassphrase(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	blob, err := Seal(kp, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !IsSealed(blob) {
		t.Error("expected blob to report sealed")
	}

	got, err := Unseal(blob, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if got.PublicKey != kp.PublicKey || got.SecretKey != kp.SecretKey {
		t.Error("unsealed keypair does not match original")
	}
}

func TestSealUnsealWithoutPassphrase(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	blob, err := Seal(kp, "")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if IsSealed(blob) {
		t.Error("expected plaintext blob to report unsealed")
	}

	got, err := Unseal(blob, "")
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if got.PublicKey != kp.PublicKey || got.SecretKey != kp.SecretKey {
		t.Error("unsealed keypair does not match original")
	}
}

func TestUnsealWrongPassphrase(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	blob, err := Seal(kp, "right")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	_, err = Unseal(blob, "wrong")
	if !errors.Is(err, ErrInvalidPassphrase) {
		t.Errorf("expected ErrInvalidPassphrase, got %v", err)
	}
	if errors.Is(err, ErrCorruptKeystore) {
		t.Error("wrong passphrase must not be reported as corruption")
	}
}

func TestUnsealMissingPassphrase(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	blob, err := Seal(kp, "secret")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := Unseal(blob, ""); !errors.Is(err, ErrPassphraseRequired) {
		t.Errorf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestUnsealCorruptBlob(t *testing.T) {
	mustMarshal := func(e Entry) []byte {
		blob, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		return blob
	}

	tests := []struct {
		name string
		blob []byte
	}{
		{"not json", []byte("definitely not a keystore")},
		{"unsupported version", mustMarshal(Entry{Version: 99, KDF: kdfNone})},
		{"unsupported kdf", mustMarshal(Entry{Version: keystoreVersion, KDF: "scrypt"})},
		{"truncated payload", mustMarshal(Entry{Version: keystoreVersion, KDF: kdfNone, Ciphertext: make([]byte, 17)})},
		{"zeroed keypair", mustMarshal(Entry{Version: keystoreVersion, KDF: kdfNone, Ciphertext: make([]byte, keypairBlobSize)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unseal(tt.blob, "")
			if !errors.Is(err, ErrCorruptKeystore) {
				t.Errorf("expected ErrCorruptKeystore, got %v", err)
			}
		})
	}
}

func TestUnsealBadKDFParameters(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	blob, err := Seal(kp, "secret")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	entry.Argon2Threads = 0

	mangled, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if _, err := Unseal(mangled, "secret"); !errors.Is(err, ErrCorruptKeystore) {
		t.Errorf("expected ErrCorruptKeystore, got %v", err)
	}
}

func TestIsSealedMalformed(t *testing.T) {
	if IsSealed([]byte("garbage")) {
		t.Error("malformed blob should not report sealed")
	}
}
