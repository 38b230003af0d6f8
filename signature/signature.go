// Package signature verifies HTTP message signatures on inbound federation
// requests, in the draft-cavage form used across the fediverse with an
// hs2019 compatibility mode.
package signature

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// ClockSkew is the tolerance applied on both ends of the validity window.
	ClockSkew = 1 * time.Minute
	// DefaultExpiry bounds signatures that carry no explicit expires.
	DefaultExpiry = 5 * time.Minute
	// MaxWindow caps any validity window regardless of what expires claims.
	MaxWindow = 12 * time.Hour
)

// Reason identifies the rejection path, so the inbox handler can log and
// respond precisely.
type Reason string

const (
	ReasonMissingHeader   Reason = "missing signature header"
	ReasonMalformedHeader Reason = "malformed signature header"
	ReasonBadAlgorithm    Reason = "unsupported signature algorithm"
	ReasonNoTimestamp     Reason = "no attested timestamp"
	ReasonUnsignedHost    Reason = "host not covered by signature"
	ReasonUnsignedDigest  Reason = "digest not covered by signature"
	ReasonMissingDigest   Reason = "missing digest header"
	ReasonMalformedDigest Reason = "malformed digest header"
	ReasonDigestMismatch  Reason = "digest mismatch"
	ReasonCreatedInFuture Reason = "signature created in the future"
	ReasonExpired         Reason = "signature expired"
	ReasonKeyUnavailable  Reason = "signing key unavailable"
	ReasonBadSignature    Reason = "signature verification failed"
	ReasonOriginBlocked   Reason = "origin not permitted"
)

// VerifyError carries the rejection reason and the HTTP status to answer
// with. Origin policy rejections are 403, everything else 401.
type VerifyError struct {
	Reason Reason
	Status int
	cause  error
}

func (e *VerifyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.cause)
	}
	return string(e.Reason)
}

func (e *VerifyError) Unwrap() error { return e.cause }

func reject(reason Reason, cause error) *VerifyError {
	status := http.StatusUnauthorized
	if reason == ReasonOriginBlocked {
		status = http.StatusForbidden
	}
	return &VerifyError{Reason: reason, Status: status, cause: cause}
}

// Signature is a parsed Signature header.
type Signature struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
	Created   int64
	Expires   int64
}

// Covers reports whether the named header is in the signed set.
func (s *Signature) Covers(name string) bool {
	for _, h := range s.Headers {
		if h == name {
			return true
		}
	}
	return false
}

// ParseHeader splits a Signature header into its parameters. The headers
// list defaults per algorithm: (created) for hs2019, date otherwise.
func ParseHeader(header string) (*Signature, error) {
	sig := &Signature{}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("bad signature parameter %q", part)
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "keyId":
			sig.KeyID = value
		case "algorithm":
			sig.Algorithm = strings.ToLower(value)
		case "headers":
			sig.Headers = strings.Fields(strings.ToLower(value))
		case "signature":
			raw, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, errors.Wrap(err, "signature is not valid base64")
			}
			sig.Signature = raw
		case "created":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, "bad created timestamp")
			}
			sig.Created = n
		case "expires":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, "bad expires timestamp")
			}
			sig.Expires = n
		}
	}
	if sig.KeyID == "" || len(sig.Signature) == 0 {
		return nil, errors.New("keyId and signature are required")
	}
	if len(sig.Headers) == 0 {
		if sig.Algorithm == "hs2019" {
			sig.Headers = []string{"(created)"}
		} else {
			sig.Headers = []string{"date"}
		}
	}
	return sig, nil
}

// SigningString reconstructs the canonical string the sender signed, in the
// order given by the headers parameter. The pseudo-headers (request-target),
// (created) and (expires) come from the request line and signature
// parameters, never from actual header fields.
func SigningString(req *http.Request, sig *Signature) (string, error) {
	lines := make([]string, 0, len(sig.Headers))
	for _, name := range sig.Headers {
		switch name {
		case "(request-target)":
			lines = append(lines, fmt.Sprintf("(request-target): %s %s", strings.ToLower(req.Method), req.URL.RequestURI()))
		case "(created)":
			if sig.Created == 0 {
				return "", errors.New("(created) signed but no created parameter")
			}
			lines = append(lines, fmt.Sprintf("(created): %d", sig.Created))
		case "(expires)":
			if sig.Expires == 0 {
				return "", errors.New("(expires) signed but no expires parameter")
			}
			lines = append(lines, fmt.Sprintf("(expires): %d", sig.Expires))
		case "host":
			host := req.Host
			if host == "" {
				host = req.Header.Get("Host")
			}
			lines = append(lines, "host: "+host)
		default:
			lines = append(lines, name+": "+req.Header.Get(name))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// CheckDigest validates the sha-256 entry of a Digest header against the
// request body. A value that does not decode to exactly 32 bytes is
// malformed rather than merely wrong.
func CheckDigest(header string, body []byte) *VerifyError {
	var encoded string
	for _, part := range strings.Split(header, ",") {
		algo, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && strings.EqualFold(algo, "sha-256") {
			encoded = value
			break
		}
	}
	if encoded == "" {
		return reject(ReasonMissingDigest, errors.New("no sha-256 entry in digest header"))
	}
	claimed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return reject(ReasonMalformedDigest, err)
	}
	if len(claimed) != sha256.Size {
		return reject(ReasonMalformedDigest, errors.Errorf("digest decodes to %d bytes", len(claimed)))
	}
	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare(claimed, sum[:]) != 1 {
		return reject(ReasonDigestMismatch, nil)
	}
	return nil
}
