package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/illarion/lockvault/internal/backend"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/lockstate"
	"github.com/illarion/lockvault/internal/vault"
)

func sampleVault(t *testing.T) (*vault.VaultData, map[string]string) {
	t.Helper()
	v := vault.CreateEmptyVault()
	cat, err := v.AddCategory("Work")
	if err != nil {
		t.Fatalf("Failed to add category: %v", err)
	}
	acme, _ := v.AddOrganization(cat, "Acme", "")
	globex, _ := v.AddOrganization(cat, "Globex", "")

	now := time.Now()
	ids := make(map[string]string)
	ids["acme/admin"], _ = v.AddProfile(acme, "admin", now)
	ids["globex/admin"], _ = v.AddProfile(globex, "admin", now)
	ids["acme/billing"], _ = v.AddProfile(acme, "billing", now)
	return v, ids
}

func TestResolveProfile(t *testing.T) {
	v, ids := sampleVault(t)

	tests := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: ids["acme/billing"], want: ids["acme/billing"]},
		{ref: "billing", want: ids["acme/billing"]},
		{ref: "Acme/admin", want: ids["acme/admin"]},
		{ref: "Globex/admin", want: ids["globex/admin"]},
		{ref: "admin", wantErr: vault.ErrInvalidInput},
		{ref: "payroll", wantErr: vault.ErrProfileNotFound},
		{ref: "Initech/admin", wantErr: vault.ErrProfileNotFound},
	}

	for _, tt := range tests {
		got, err := ResolveProfile(v, tt.ref)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ResolveProfile(%q): expected %v, got %v", tt.ref, tt.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolveProfile(%q) failed: %v", tt.ref, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveProfile(%q) = %s, want %s", tt.ref, got, tt.want)
		}
	}
}

func TestFieldFlags(t *testing.T) {
	f := FieldFlags{}
	if err := f.Set("username=alice"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := f.Set("url=https://acme.example/?a=b"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if f["url"] != "https://acme.example/?a=b" {
		t.Errorf("Value split at the wrong '=': %q", f["url"])
	}
	for _, bad := range []string{"novalue", "=x"} {
		if err := f.Set(bad); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
}

func TestDisplayStateHidesDuress(t *testing.T) {
	if displayState(lockstate.DuressUnlocked) != displayState(lockstate.Unlocked) {
		t.Error("Duress session must display like a normal one")
	}
	if displayState(lockstate.PanicLocked) == displayState(lockstate.Locked) {
		t.Error("Panic lock should stay visible")
	}
}

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 bytes",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for size, want := range tests {
		if got := formatSize(size); got != want {
			t.Errorf("formatSize(%d) = %q, want %q", size, got, want)
		}
	}
}

func TestPrintError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
		hide string
	}{
		{
			name: "transport",
			err:  fmt.Errorf("%w: fetch salt: %w", lockstate.ErrTransport, errors.New("dial tcp 10.0.0.1:443: connection refused")),
			want: "Error: could not reach the vault server, try again\n",
			hide: "10.0.0.1",
		},
		{
			name: "rate limited through transport",
			err:  fmt.Errorf("%w: authenticate: %w", lockstate.ErrTransport, backend.ErrRateLimited),
			want: "Error: too many attempts, try again later\n",
		},
		{
			name: "wrong key",
			err:  fmt.Errorf("open vault: %w", crypto.ErrAuthFailed),
			want: "Error: invalid username or password\n",
			hide: "vault",
		},
		{
			name: "aborted",
			err:  lockstate.ErrAborted,
			want: "Error: interrupted, try again\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printError(&buf, tt.err)
			if buf.String() != tt.want {
				t.Errorf("printError = %q, want %q", buf.String(), tt.want)
			}
			if tt.hide != "" && strings.Contains(buf.String(), tt.hide) {
				t.Errorf("Message leaks %q: %q", tt.hide, buf.String())
			}
		})
	}
}
