package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("signature")

// ActorKeys resolves a keyId to the owning actor's RSA public key.
// PublicKey may serve from cache or storage; RefreshPublicKey must go back
// to the key's origin.
type ActorKeys interface {
	PublicKey(ctx context.Context, keyID string) (string, *rsa.PublicKey, error)
	RefreshPublicKey(ctx context.Context, keyID string) (string, *rsa.PublicKey, error)
}

// OriginPolicy decides whether a remote host may interact with this server.
type OriginPolicy interface {
	OriginAllowed(host string) bool
}

// Verifier checks inbound request signatures.
type Verifier struct {
	keys    ActorKeys
	origins OriginPolicy
	now     func() time.Time
}

func NewVerifier(keys ActorKeys, origins OriginPolicy) *Verifier {
	return &Verifier{keys: keys, origins: origins, now: time.Now}
}

var supportedAlgorithms = map[string]bool{
	"":           true,
	"hs2019":     true,
	"rsa-sha256": true,
}

// Verify checks the request's Signature header against the body. On success
// it returns the signing actor's id (keyId with any fragment stripped).
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte) (string, *VerifyError) {
	ctx, span := tracer.Start(ctx, "SignatureVerify")
	defer span.End()

	header := req.Header.Get("Signature")
	if header == "" {
		return "", reject(ReasonMissingHeader, nil)
	}
	sig, err := ParseHeader(header)
	if err != nil {
		return "", reject(ReasonMalformedHeader, err)
	}
	if !supportedAlgorithms[sig.Algorithm] {
		return "", reject(ReasonBadAlgorithm, errors.Errorf("algorithm %q", sig.Algorithm))
	}
	if !sig.Covers("date") && !sig.Covers("(created)") {
		return "", reject(ReasonNoTimestamp, nil)
	}
	if req.Method == http.MethodGet && !sig.Covers("host") {
		return "", reject(ReasonUnsignedHost, nil)
	}
	if req.Method == http.MethodPost && !sig.Covers("digest") {
		return "", reject(ReasonUnsignedDigest, nil)
	}

	if sig.Covers("digest") {
		digest := req.Header.Get("Digest")
		if digest == "" {
			return "", reject(ReasonMissingDigest, nil)
		}
		if verr := CheckDigest(digest, body); verr != nil {
			return "", verr
		}
	}

	if verr := v.checkWindow(req, sig); verr != nil {
		return "", verr
	}

	if host := keyHost(sig.KeyID); host != "" && v.origins != nil && !v.origins.OriginAllowed(host) {
		return "", reject(ReasonOriginBlocked, errors.Errorf("origin %q", host))
	}

	signingString, err := SigningString(req, sig)
	if err != nil {
		return "", reject(ReasonMalformedHeader, err)
	}
	hashed := sha256.Sum256([]byte(signingString))

	actorID, key, err := v.keys.PublicKey(ctx, sig.KeyID)
	if err != nil {
		return "", reject(ReasonKeyUnavailable, err)
	}
	if rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig.Signature) == nil {
		return actorID, nil
	}

	// The origin may have rotated its key since we cached it. Refresh and
	// retry exactly once.
	actorID, key, err = v.keys.RefreshPublicKey(ctx, sig.KeyID)
	if err != nil {
		return "", reject(ReasonKeyUnavailable, err)
	}
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig.Signature); err != nil {
		return "", reject(ReasonBadSignature, err)
	}
	return actorID, nil
}

// checkWindow enforces the validity window: created must not sit in the
// future beyond clock skew, and the effective expiry, capped at MaxWindow,
// must not have passed.
func (v *Verifier) checkWindow(req *http.Request, sig *Signature) *VerifyError {
	now := v.now()

	var created time.Time
	switch {
	case sig.Covers("(created)") && sig.Created > 0:
		created = time.Unix(sig.Created, 0)
	case sig.Covers("date"):
		parsed, err := http.ParseTime(req.Header.Get("Date"))
		if err != nil {
			return reject(ReasonNoTimestamp, err)
		}
		created = parsed
	default:
		return reject(ReasonNoTimestamp, nil)
	}

	if created.After(now.Add(ClockSkew)) {
		return reject(ReasonCreatedInFuture, nil)
	}

	expires := created.Add(DefaultExpiry)
	if sig.Expires > 0 {
		expires = time.Unix(sig.Expires, 0)
	}
	if limit := created.Add(MaxWindow); expires.After(limit) {
		expires = limit
	}
	if now.After(expires.Add(ClockSkew)) {
		return reject(ReasonExpired, nil)
	}
	return nil
}

// keyHost extracts the lowercased host from a keyId URL. acct: style keyIds
// have no host to police here; the resolver checks them later.
func keyHost(keyID string) string {
	if strings.HasPrefix(keyID, "acct:") {
		return ""
	}
	u, err := url.Parse(keyID)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
