// Package auth verifies the Sugar challenge-response scheme and maps
// logins to capability-carrying principals.
package auth

import (
	"container/list"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sugar-network/sugar/internal/db"
)

// SignatureLifetime bounds how far a nonce may drift from wall clock.
const SignatureLifetime = 600 * time.Second

// ErrUnauthorized rejects malformed or unverifiable credentials.
var ErrUnauthorized = errors.New("auth: unauthorized")

// NonceError rejects an expired nonce and hints a fresh one the caller
// should retry with.
type NonceError struct {
	Nonce int64
}

func (e *NonceError) Error() string {
	return fmt.Sprintf("auth: nonce expired, retry with %d", e.Nonce)
}

// Principal is an authenticated caller.
type Principal struct {
	id   string
	name string
	caps db.Capability
}

func (p *Principal) UserID() string              { return p.id }
func (p *Principal) UserName() string            { return p.name }
func (p *Principal) Cap(c db.Capability) bool    { return p.caps&c != 0 }
func (p *Principal) Capabilities() db.Capability { return p.caps }

// Root returns the principal used when applying work on behalf of the
// system itself; it carries every capability.
func Root() *Principal {
	return &Principal{
		id:   "root",
		name: "root",
		caps: db.CapAuthorOverride | db.CapCreateWithGUID | db.CapAdmin,
	}
}

const cacheLimit = 128

// Verifier authenticates Authorization headers against the user
// directory. Verified headers are kept in a bounded LRU so repeated
// requests skip the RSA check.
type Verifier struct {
	vol   *db.Volume
	perms *Permissions
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List // front = most recent
}

type cacheEntry struct {
	header    string
	principal *Principal
	nonce     int64
}

// NewVerifier binds a volume's user directory and a permissions config;
// perms may be nil when every login gets default capabilities.
func NewVerifier(vol *db.Volume, perms *Permissions) *Verifier {
	return &Verifier{
		vol:   vol,
		perms: perms,
		now:   time.Now,
		cache: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Verify authenticates one "Sugar login:nonce:signature" header.
func (v *Verifier) Verify(ctx context.Context, header string) (*Principal, error) {
	scheme, credentials, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || scheme != "Sugar" {
		return nil, ErrUnauthorized
	}
	parts := strings.SplitN(credentials, ":", 3)
	if len(parts) != 3 {
		return nil, ErrUnauthorized
	}
	login, nonceStr, sigHex := parts[0], parts[1], parts[2]

	nonce, err := strconv.ParseInt(nonceStr, 10, 64)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if err := v.checkNonce(nonce); err != nil {
		v.drop(header)
		return nil, err
	}

	if principal := v.cached(header); principal != nil {
		return principal, nil
	}

	users, err := v.vol.Directory("user")
	if err != nil {
		return nil, err
	}
	user, err := users.Get(ctx, login)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	pub, err := ParsePublicKey(user.GetString("pubkey"))
	if err != nil {
		return nil, ErrUnauthorized
	}
	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, ErrUnauthorized
	}
	digest := sha1.Sum([]byte(login + ":" + nonceStr))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature); err != nil {
		return nil, ErrUnauthorized
	}

	principal := &Principal{
		id:   login,
		name: user.GetString("name"),
		caps: v.capsFor(login),
	}
	v.remember(header, principal, nonce)
	return principal, nil
}

func (v *Verifier) checkNonce(nonce int64) error {
	now := v.now().Unix()
	lifetime := int64(SignatureLifetime / time.Second)
	if nonce < now-lifetime || nonce > now+lifetime {
		return &NonceError{Nonce: now + lifetime}
	}
	return nil
}

func (v *Verifier) capsFor(login string) db.Capability {
	if v.perms == nil {
		return 0
	}
	return v.perms.CapsFor(login)
}

func (v *Verifier) cached(header string) *Principal {
	v.mu.Lock()
	defer v.mu.Unlock()
	el, ok := v.cache[header]
	if !ok {
		return nil
	}
	v.order.MoveToFront(el)
	return el.Value.(*cacheEntry).principal
}

func (v *Verifier) remember(header string, principal *Principal, nonce int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry := &cacheEntry{header: header, principal: principal, nonce: nonce}
	v.cache[header] = v.order.PushFront(entry)
	for v.order.Len() > cacheLimit {
		oldest := v.order.Back()
		v.order.Remove(oldest)
		delete(v.cache, oldest.Value.(*cacheEntry).header)
	}
}

func (v *Verifier) drop(header string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if el, ok := v.cache[header]; ok {
		v.order.Remove(el)
		delete(v.cache, header)
	}
}

// SignNonce produces the hex signature for login:nonce.
func SignNonce(key *rsa.PrivateKey, login string, nonce int64) (string, error) {
	digest := sha1.Sum([]byte(login + ":" + strconv.FormatInt(nonce, 10)))
	signature, err := rsa.SignPKCS1v15(nil, key, crypto.SHA1, digest[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(signature), nil
}

// Header builds a full Authorization header for login at the given time.
func Header(key *rsa.PrivateKey, login string, now time.Time) (string, error) {
	nonce := now.Unix()
	signature, err := SignNonce(key, login, nonce)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Sugar %s:%d:%s", login, nonce, signature), nil
}

// ParsePublicKey decodes a PEM public key in PKIX or PKCS1 form.
func ParsePublicKey(text string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("auth: no PEM block in pubkey")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: pubkey is not RSA")
	}
	return pub, nil
}

// EncodePublicKey renders the PEM form stored on user resources.
func EncodePublicKey(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// UserGUID derives the account guid from the stored public key text.
func UserGUID(pubkey string) string {
	sum := sha1.Sum([]byte(pubkey))
	return hex.EncodeToString(sum[:])
}
