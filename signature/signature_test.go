package signature

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

type staticKeys struct {
	actorID   string
	stored    *rsa.PublicKey
	refreshed *rsa.PublicKey
	refreshes int
}

func (k *staticKeys) PublicKey(ctx context.Context, keyID string) (string, *rsa.PublicKey, error) {
	return k.actorID, k.stored, nil
}

func (k *staticKeys) RefreshPublicKey(ctx context.Context, keyID string) (string, *rsa.PublicKey, error) {
	k.refreshes++
	if k.refreshed == nil {
		return k.actorID, k.stored, nil
	}
	return k.actorID, k.refreshed, nil
}

type allowAll struct{}

func (allowAll) OriginAllowed(host string) bool { return true }

type denyAll struct{}

func (denyAll) OriginAllowed(host string) bool { return false }

func signedRequest(t *testing.T, priv *rsa.PrivateKey, body []byte, at time.Time) *http.Request {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, "https://forum.example.com/actors/alice/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "forum.example.com"
	req.Header.Set("Date", at.UTC().Format(http.TimeFormat))
	sum := sha256.Sum256(body)
	req.Header.Set("Digest", "sha-256="+base64.StdEncoding.EncodeToString(sum[:]))

	signingString := strings.Join([]string{
		"(request-target): post /actors/alice/inbox",
		"host: forum.example.com",
		"date: " + req.Header.Get("Date"),
		"digest: " + req.Header.Get("Digest"),
	}, "\n")
	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hashed[:])
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="https://remote.example.org/actors/bob#main-key",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="%s"`,
		base64.StdEncoding.EncodeToString(sig)))
	return req
}

func fixedVerifier(keys ActorKeys, origins OriginPolicy, at time.Time) *Verifier {
	v := NewVerifier(keys, origins)
	v.now = func() time.Time { return at }
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	now := time.Now()
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, priv, body, now)

	keys := &staticKeys{actorID: "https://remote.example.org/actors/bob", stored: &priv.PublicKey}
	actorID, verr := fixedVerifier(keys, allowAll{}, now).Verify(context.Background(), req, body)
	if verr != nil {
		t.Fatalf("expected success, got %v", verr)
	}
	if actorID != "https://remote.example.org/actors/bob" {
		t.Errorf("unexpected actor id %q", actorID)
	}
}

func TestVerifyDigestMismatch(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	now := time.Now()
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, priv, body, now)

	tampered := append([]byte(nil), body...)
	tampered[0] ^= 0x01

	keys := &staticKeys{actorID: "https://remote.example.org/actors/bob", stored: &priv.PublicKey}
	_, verr := fixedVerifier(keys, allowAll{}, now).Verify(context.Background(), req, tampered)
	if verr == nil || verr.Reason != ReasonDigestMismatch {
		t.Fatalf("expected digest mismatch, got %v", verr)
	}
	if verr.Status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", verr.Status)
	}
}

func TestVerifyExpiredBeyondMaxWindow(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	signedAt := time.Now().Add(-MaxWindow - time.Hour)
	body := []byte(`{"type":"Like"}`)
	req := signedRequest(t, priv, body, signedAt)

	keys := &staticKeys{actorID: "https://remote.example.org/actors/bob", stored: &priv.PublicKey}
	_, verr := fixedVerifier(keys, allowAll{}, time.Now()).Verify(context.Background(), req, body)
	if verr == nil || verr.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %v", verr)
	}
}

func TestVerifyCreatedInFuture(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	now := time.Now()
	body := []byte(`{}`)
	req := signedRequest(t, priv, body, now.Add(10*time.Minute))

	keys := &staticKeys{actorID: "https://remote.example.org/actors/bob", stored: &priv.PublicKey}
	_, verr := fixedVerifier(keys, allowAll{}, now).Verify(context.Background(), req, body)
	if verr == nil || verr.Reason != ReasonCreatedInFuture {
		t.Fatalf("expected future rejection, got %v", verr)
	}
}

func TestVerifyPostWithoutDigestSigned(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://forum.example.com/actors/alice/inbox", nil)
	req.Header.Set("Signature", `keyId="https://remote.example.org/actors/bob#main-key",headers="(request-target) host date",signature="`+base64.StdEncoding.EncodeToString([]byte("x"))+`"`)

	keys := &staticKeys{}
	_, verr := fixedVerifier(keys, allowAll{}, time.Now()).Verify(context.Background(), req, nil)
	if verr == nil || verr.Reason != ReasonUnsignedDigest {
		t.Fatalf("expected unsigned digest rejection, got %v", verr)
	}
}

func TestVerifyOriginBlocked(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	now := time.Now()
	body := []byte(`{}`)
	req := signedRequest(t, priv, body, now)

	keys := &staticKeys{actorID: "https://remote.example.org/actors/bob", stored: &priv.PublicKey}
	_, verr := fixedVerifier(keys, denyAll{}, now).Verify(context.Background(), req, body)
	if verr == nil || verr.Reason != ReasonOriginBlocked {
		t.Fatalf("expected origin block, got %v", verr)
	}
	if verr.Status != http.StatusForbidden {
		t.Errorf("expected 403, got %d", verr.Status)
	}
}

func TestVerifyRefreshRetryOnce(t *testing.T) {
	oldKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	newKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	now := time.Now()
	body := []byte(`{"type":"Create"}`)
	req := signedRequest(t, newKey, body, now)

	keys := &staticKeys{
		actorID:   "https://remote.example.org/actors/bob",
		stored:    &oldKey.PublicKey,
		refreshed: &newKey.PublicKey,
	}
	_, verr := fixedVerifier(keys, allowAll{}, now).Verify(context.Background(), req, body)
	if verr != nil {
		t.Fatalf("expected success after refresh, got %v", verr)
	}
	if keys.refreshes != 1 {
		t.Errorf("expected exactly one refresh, got %d", keys.refreshes)
	}
}

func TestCheckDigestMalformed(t *testing.T) {
	body := []byte("hello")
	verr := CheckDigest("sha-256=dG9vc2hvcnQ=", body)
	if verr == nil || verr.Reason != ReasonMalformedDigest {
		t.Fatalf("expected malformed digest, got %v", verr)
	}

	verr = CheckDigest("sha-512=abcd", body)
	if verr == nil || verr.Reason != ReasonMissingDigest {
		t.Fatalf("expected missing sha-256 entry, got %v", verr)
	}
}

func TestParseHeaderDefaults(t *testing.T) {
	sig, err := ParseHeader(`keyId="https://a.example/u/x#main-key",algorithm="hs2019",signature="` + base64.StdEncoding.EncodeToString([]byte("s")) + `",created=100,expires=200`)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig.Headers) != 1 || sig.Headers[0] != "(created)" {
		t.Errorf("expected hs2019 default headers, got %v", sig.Headers)
	}
	if sig.Created != 100 || sig.Expires != 200 {
		t.Errorf("bad timestamps: %d %d", sig.Created, sig.Expires)
	}

	sig, err = ParseHeader(`keyId="k",signature="` + base64.StdEncoding.EncodeToString([]byte("s")) + `"`)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig.Headers) != 1 || sig.Headers[0] != "date" {
		t.Errorf("expected date default headers, got %v", sig.Headers)
	}
}

func TestStripKeyFragment(t *testing.T) {
	if got := StripKeyFragment("https://a.example/u/x#main-key"); got != "https://a.example/u/x" {
		t.Errorf("got %q", got)
	}
	if got := StripKeyFragment("https://a.example/u/x"); got != "https://a.example/u/x" {
		t.Errorf("got %q", got)
	}
}
