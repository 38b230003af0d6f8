package bridge

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/forumfed/forum-ap-bridge/vocab"
)

func TestNewInstanceActorMintsUsableIdentity(t *testing.T) {
	actor, err := NewInstanceActor("forum.example.com", "instance.actor")
	if err != nil {
		t.Fatal(err)
	}

	if actor.ApID != "https://forum.example.com/ap/actors/instance.actor" {
		t.Errorf("unexpected id %q", actor.ApID)
	}
	if actor.ApKey != "instance.actor" {
		t.Errorf("id must derive from the key, got key %q", actor.ApKey)
	}
	if actor.ApType != vocab.TypeApplication {
		t.Errorf("instance actor should be an Application, got %q", actor.ApType)
	}
	if !actor.Local || !actor.Enabled {
		t.Error("instance actor must be local and enabled")
	}
	if actor.Inbox != actor.ApID+"/inbox" || actor.SharedInbox != "https://forum.example.com/ap/inbox" {
		t.Errorf("inbox endpoints wrong: %q / %q", actor.Inbox, actor.SharedInbox)
	}

	block, _ := pem.Decode([]byte(actor.PrivateKey))
	if block == nil {
		t.Fatal("private key is not PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("private key does not parse: %v", err)
	}
	pubBlock, _ := pem.Decode([]byte(actor.PublicKey))
	if pubBlock == nil {
		t.Fatal("public key is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		t.Fatalf("public key does not parse: %v", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		t.Fatal("public key is not RSA")
	}
	if pub.N.Cmp(priv.PublicKey.N) != 0 {
		t.Error("public key does not match the private key")
	}
}
