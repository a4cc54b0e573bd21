package vault

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/illarion/lockvault/internal/crypto"
)

func sampleVault(t *testing.T) *VaultData {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	v := CreateEmptyVault()
	catID, err := v.AddCategory("Work")
	if err != nil {
		t.Fatalf("AddCategory failed: %v", err)
	}
	orgID, err := v.AddOrganization(catID, "Acme", "https://acme.example")
	if err != nil {
		t.Fatalf("AddOrganization failed: %v", err)
	}
	profileID, err := v.AddProfile(orgID, "admin console", now)
	if err != nil {
		t.Fatalf("AddProfile failed: %v", err)
	}
	v.FindProfile(profileID).Attributes = map[string]string{"url": "https://acme.example/admin"}
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	key := crypto.RandomKey()
	defer key.Destroy()

	for name, v := range map[string]*VaultData{
		"empty":  CreateEmptyVault(),
		"sample": sampleVault(t),
	} {
		t.Run(name, func(t *testing.T) {
			blob, err := EncryptVaultData(v, key)
			if err != nil {
				t.Fatalf("EncryptVaultData failed: %v", err)
			}

			got, err := DecryptVaultBlob(blob, key)
			if err != nil {
				t.Fatalf("DecryptVaultBlob failed: %v", err)
			}
			if !reflect.DeepEqual(got, v) {
				t.Errorf("Round trip mismatch:\ngot  %+v\nwant %+v", got, v)
			}
		})
	}
}

func TestVaultBlobTamperAndWrongKey(t *testing.T) {
	key := crypto.RandomKey()
	defer key.Destroy()
	other := crypto.RandomKey()
	defer other.Destroy()

	blob, err := EncryptVaultData(sampleVault(t), key)
	if err != nil {
		t.Fatalf("EncryptVaultData failed: %v", err)
	}

	if _, err := DecryptVaultBlob(blob, other); !errors.Is(err, crypto.ErrAuthFailed) {
		t.Errorf("Wrong key: expected ErrAuthFailed, got %v", err)
	}

	for _, i := range []int{0, crypto.NonceSize, len(blob) / 2, len(blob) - 1} {
		tampered := append(Blob(nil), blob...)
		tampered[i] ^= 0x80
		if _, err := DecryptVaultBlob(tampered, key); !errors.Is(err, crypto.ErrAuthFailed) {
			t.Errorf("Byte %d flipped: expected ErrAuthFailed, got %v", i, err)
		}
	}
}

func TestFieldRoundTrip(t *testing.T) {
	key := crypto.RandomKey()
	defer key.Destroy()

	f1, err := EncryptField("s3cr3t!", key)
	if err != nil {
		t.Fatalf("EncryptField failed: %v", err)
	}
	f2, err := EncryptField("s3cr3t!", key)
	if err != nil {
		t.Fatalf("EncryptField failed: %v", err)
	}
	if string(f1.Nonce) == string(f2.Nonce) {
		t.Error("Each field encryption must use its own nonce")
	}

	got, err := DecryptField(f1, key)
	if err != nil {
		t.Fatalf("DecryptField failed: %v", err)
	}
	if got != "s3cr3t!" {
		t.Errorf("Field mismatch: got %q", got)
	}

	f1.Ciphertext[0] ^= 1
	if _, err := DecryptField(f1, key); !errors.Is(err, crypto.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
	if _, err := DecryptField(EncryptedField{}, key); !errors.Is(err, crypto.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed for empty field, got %v", err)
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	master := crypto.RandomKey()
	defer master.Destroy()
	profileKey := crypto.RandomKey()
	defer profileKey.Destroy()

	field, err := EncryptField("hunter2", profileKey)
	if err != nil {
		t.Fatalf("EncryptField failed: %v", err)
	}

	wrapped, err := WrapKey(profileKey, master)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	unwrapped, err := UnwrapKey(wrapped, master)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	defer unwrapped.Destroy()

	got, err := DecryptField(field, unwrapped)
	if err != nil {
		t.Fatalf("DecryptField with unwrapped key failed: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Field mismatch: got %q", got)
	}

	other := crypto.RandomKey()
	defer other.Destroy()
	if _, err := UnwrapKey(wrapped, other); !errors.Is(err, crypto.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	v := sampleVault(t)
	c := v.Clone()

	id := v.Profiles()[0].Profile.ID
	c.FindProfile(id).Attributes["url"] = "changed"
	now := time.Now()
	c.FindProfile(id).DeletedAt = &now

	p := v.FindProfile(id)
	if p.Attributes["url"] != "https://acme.example/admin" {
		t.Error("Clone shares attribute map with original")
	}
	if p.DeletedAt != nil {
		t.Error("Clone shares deleted_at with original")
	}
}

func TestAccessorsValidate(t *testing.T) {
	v := CreateEmptyVault()
	if _, err := v.AddCategory(""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if _, err := v.AddOrganization("missing", "Acme", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := v.AddProfile("missing", "x", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if v.RemoveProfile("missing") {
		t.Error("RemoveProfile should report false for unknown id")
	}
}

func TestDiff(t *testing.T) {
	before := sampleVault(t)
	after := before.Clone()

	if d := Diff("vault", before, after); d != "" {
		t.Errorf("Expected no diff, got:\n%s", d)
	}

	org := after.FindOrganization("Acme")
	if _, err := after.AddProfile(org.ID, "billing", time.Now()); err != nil {
		t.Fatalf("AddProfile failed: %v", err)
	}

	d := Diff("vault", before, after)
	if !strings.Contains(d, "--- a/vault") || !strings.Contains(d, "billing") {
		t.Errorf("Unexpected diff:\n%s", d)
	}
}

func TestIsSecureField(t *testing.T) {
	if !IsSecureField(FieldPassword) || !IsSecureField(FieldRecoveryCodes) {
		t.Error("Credential fields should be secure")
	}
	if IsSecureField("url") {
		t.Error("url is a blob attribute")
	}
}
