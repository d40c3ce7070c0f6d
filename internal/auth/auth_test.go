package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sugar-network/sugar/internal/db"
)

func openVolume(t *testing.T) *db.Volume {
	t.Helper()
	vol, err := db.OpenVolume(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	t.Cleanup(func() { _ = vol.Close() })
	return vol
}

func registerUser(t *testing.T, vol *db.Volume, name string) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubkey := EncodePublicKey(&key.PublicKey)
	guid := UserGUID(pubkey)
	users, _ := vol.Directory("user")
	_, err = users.Create(context.Background(), map[string]any{
		"guid":   guid,
		"name":   name,
		"pubkey": pubkey,
	}, Root())
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	return key, guid
}

func TestVerify(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	key, guid := registerUser(t, vol, "alice")
	v := NewVerifier(vol, nil)

	header, err := Header(key, guid, time.Now())
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	principal, err := v.Verify(context.Background(), header)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if principal.UserID() != guid || principal.UserName() != "alice" {
		t.Fatalf("principal = %s/%s", principal.UserID(), principal.UserName())
	}
	if principal.Cap(db.CapAdmin) {
		t.Fatal("default principal has admin capability")
	}

	// second verify hits the LRU
	again, err := v.Verify(context.Background(), header)
	if err != nil {
		t.Fatalf("cached Verify: %v", err)
	}
	if again != principal {
		t.Fatal("cache did not return the same principal")
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	_, guid := registerUser(t, vol, "alice")
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v := NewVerifier(vol, nil)

	header, err := Header(other, guid, time.Now())
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if _, err := v.Verify(context.Background(), header); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Verify with foreign key: %v", err)
	}
}

func TestVerifyRejectsUnknownLogin(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v := NewVerifier(vol, nil)
	header, _ := Header(key, "nobody", time.Now())
	if _, err := v.Verify(context.Background(), header); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Verify unknown login: %v", err)
	}
}

func TestVerifyExpiredNonce(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	key, guid := registerUser(t, vol, "alice")
	v := NewVerifier(vol, nil)
	now := time.Now()
	v.now = func() time.Time { return now }

	header, err := Header(key, guid, now.Add(-SignatureLifetime-time.Minute))
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	_, err = v.Verify(context.Background(), header)
	var nonceErr *NonceError
	if !errors.As(err, &nonceErr) {
		t.Fatalf("expired nonce: %v", err)
	}
	lifetime := int64(SignatureLifetime / time.Second)
	if nonceErr.Nonce != now.Unix()+lifetime {
		t.Fatalf("nonce hint = %d, want %d", nonceErr.Nonce, now.Unix()+lifetime)
	}
}

func TestVerifyMalformedHeaders(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	v := NewVerifier(vol, nil)
	for _, header := range []string{
		"",
		"Basic dXNlcjpwYXNz",
		"Sugar",
		"Sugar login-only",
		"Sugar login:notanumber:aa",
		fmt.Sprintf("Sugar login:%d:zz-not-hex", time.Now().Unix()),
	} {
		if _, err := v.Verify(context.Background(), header); err == nil {
			t.Fatalf("Verify accepted %q", header)
		}
	}
}

func TestRootPrincipal(t *testing.T) {
	t.Parallel()
	root := Root()
	for _, c := range []db.Capability{db.CapAuthorOverride, db.CapCreateWithGUID, db.CapAdmin} {
		if !root.Cap(c) {
			t.Fatalf("root misses capability %d", c)
		}
	}
}

func TestPermissions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "authorization.conf")
	conf := "[permissions]\nalice = admin\ndefault =\n"
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	perms, err := OpenPermissions(path)
	if err != nil {
		t.Fatalf("OpenPermissions: %v", err)
	}
	defer perms.Close()

	if caps := perms.CapsFor("alice"); caps&db.CapAdmin == 0 || caps&db.CapAuthorOverride == 0 {
		t.Fatalf("alice caps = %d", caps)
	}
	if caps := perms.CapsFor("bob"); caps != 0 {
		t.Fatalf("bob caps = %d", caps)
	}

	// rewrite with a bumped mtime; CapsFor must pick up the change
	conf = "[permissions]\nbob = admin\n"
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatalf("rewrite conf: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if caps := perms.CapsFor("bob"); caps&db.CapAdmin == 0 {
		t.Fatalf("bob caps after reload = %d", caps)
	}
	if caps := perms.CapsFor("alice"); caps != 0 {
		t.Fatalf("alice caps after reload = %d", caps)
	}
}

func TestPermissionsMissingFile(t *testing.T) {
	t.Parallel()
	perms, err := OpenPermissions(filepath.Join(t.TempDir(), "authorization.conf"))
	if err != nil {
		t.Fatalf("OpenPermissions: %v", err)
	}
	defer perms.Close()
	if caps := perms.CapsFor("anyone"); caps != 0 {
		t.Fatalf("caps = %d for missing config", caps)
	}
}
