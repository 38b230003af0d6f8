package store

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/forumfed/forum-ap-bridge/types"
)

func TestLoadKeyAcceptsPKCS1AndPKCS8(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	s := &Store{}

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	got, err := s.LoadKey(context.Background(), types.ApActor{PrivateKey: string(pkcs1)})
	if err != nil {
		t.Fatalf("PKCS1: %v", err)
	}
	if got.N.Cmp(priv.N) != 0 {
		t.Error("PKCS1 round trip changed the key")
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	got, err = s.LoadKey(context.Background(), types.ApActor{PrivateKey: string(pkcs8)})
	if err != nil {
		t.Fatalf("PKCS8: %v", err)
	}
	if got.N.Cmp(priv.N) != 0 {
		t.Error("PKCS8 round trip changed the key")
	}
}

func TestLoadKeyRejectsBadMaterial(t *testing.T) {
	s := &Store{}

	if _, err := s.LoadKey(context.Background(), types.ApActor{PrivateKey: "not a key"}); err == nil {
		t.Error("garbage input must not parse")
	}

	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{0xde, 0xad}})
	_, err := s.LoadKey(context.Background(), types.ApActor{PrivateKey: string(block)})
	if err == nil || !strings.Contains(err.Error(), "failed to parse DER encoded private key") {
		t.Errorf("mangled DER should surface the parse error, got %v", err)
	}

	_, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(edPriv)
	if err != nil {
		t.Fatal(err)
	}
	nonRSA := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if _, err := s.LoadKey(context.Background(), types.ApActor{PrivateKey: string(nonRSA)}); err == nil {
		t.Error("non-RSA keys must be rejected")
	}
}
