// Package apclient performs signed outbound HTTP against remote
// ActivityPub servers.
package apclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/forumfed/forum-ap-bridge/store"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

var tracer = otel.Tracer("apclient")

var (
	// ErrGone marks a 410 from the object's origin, which doubles as a
	// deletion confirmation.
	ErrGone = errors.New("remote resource is gone")
	// ErrNotFound marks a 404.
	ErrNotFound = errors.New("remote resource not found")
)

const actorCacheTTL = 1800 // 30 minutes

type ApClient struct {
	mc     *memcache.Client
	store  *store.Store
	config types.ApConfig
}

func NewApClient(
	mc *memcache.Client,
	store *store.Store,
	config types.ApConfig,
) *ApClient {
	return &ApClient{
		mc,
		store,
		config,
	}
}

func (c ApClient) keyID(signer types.ApActor) string {
	return signer.ApID + "#main-key"
}

// FetchObject fetches an ActivityStreams document by id, signing the
// request as the given local actor.
func (c ApClient) FetchObject(ctx context.Context, objectID string, signer types.ApActor) (*types.RawApObj, error) {
	_, span := tracer.Start(ctx, "FetchObject")
	defer span.End()

	req, err := http.NewRequest("GET", objectID, nil)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", vocab.ContentType)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", vocab.UserAgent)
	req.Header.Set("Host", req.URL.Host)
	client := new(http.Client)

	priv, err := c.store.LoadKey(ctx, signer)
	if err != nil {
		log.Println(err)
		return nil, err
	}

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "date", "host"}
	signerObj, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
	if err != nil {
		log.Println(err)
		return nil, err
	}
	err = signerObj.SignRequest(priv, c.keyID(signer), req, nil)
	if err != nil {
		log.Println(err)
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return types.LoadAsRawApObj(body)
}

// FetchActor fetches an actor document, serving from memcache when fresh.
func (c ApClient) FetchActor(ctx context.Context, actorID string, signer *types.ApActor) (*types.RawApObj, error) {
	_, span := tracer.Start(ctx, "FetchActor")
	defer span.End()

	// try cache
	cache, err := c.mc.Get(actorID)
	if err == nil {
		actor, err := types.LoadAsRawApObj(cache.Value)
		if err == nil {
			return actor, nil
		}
	}

	return c.RefreshActor(ctx, actorID, signer)
}

// RefreshActor fetches an actor document from its origin, bypassing and
// repopulating the cache. Used for key rotation retries.
func (c ApClient) RefreshActor(ctx context.Context, actorID string, signer *types.ApActor) (*types.RawApObj, error) {
	_, span := tracer.Start(ctx, "RefreshActor")
	defer span.End()

	req, err := http.NewRequest("GET", actorID, nil)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", vocab.ContentType)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", vocab.UserAgent)
	req.Header.Set("Host", req.URL.Host)
	client := new(http.Client)

	if signer != nil {
		priv, err := c.store.LoadKey(ctx, *signer)
		if err != nil {
			log.Println(err)
			return nil, err
		}

		prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
		digestAlgorithm := httpsig.DigestSha256
		headersToSign := []string{httpsig.RequestTarget, "date", "host"}
		signerObj, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
		if err != nil {
			log.Println(err)
			return nil, err
		}
		err = signerObj.SignRequest(priv, c.keyID(*signer), req, nil)
		if err != nil {
			log.Println(err)
			return nil, err
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	body, _ := io.ReadAll(resp.Body)

	actor, err := types.LoadAsRawApObj(body)
	if err != nil {
		log.Println(err)
		return actor, err
	}

	// cache
	actorBytes, err := json.Marshal(actor.GetData())
	if err == nil {
		c.mc.Set(&memcache.Item{
			Key:        actorID,
			Value:      actorBytes,
			Expiration: actorCacheTTL,
		})
	}

	return actor, nil
}

// ResolveActorHandle resolves a user@domain handle to an actor id via
// webfinger.
func ResolveActorHandle(ctx context.Context, handle string) (string, error) {
	_, span := tracer.Start(ctx, "ResolveActorHandle")
	defer span.End()

	handle = strings.TrimPrefix(handle, "@")
	handle = strings.TrimPrefix(handle, "acct:")

	split := strings.Split(handle, "@")
	if len(split) != 2 {
		return "", fmt.Errorf("invalid handle")
	}

	domain := split[1]

	targetlink := "https://" + domain + "/.well-known/webfinger?resource=acct:" + handle

	var webfinger types.WebFinger
	req, err := http.NewRequest("GET", targetlink, nil)
	if err != nil {
		return "", err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", vocab.JRDContentType)
	req.Header.Set("User-Agent", vocab.UserAgent)
	client := new(http.Client)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	err = json.Unmarshal(body, &webfinger)
	if err != nil {
		return "", err
	}

	var aplink types.WebFingerLink
	for _, link := range webfinger.Links {
		if link.Rel == "self" {
			aplink = link
		}
	}

	if aplink.Href == "" {
		return "", fmt.Errorf("no ap link found")
	}

	return aplink.Href, nil
}

// PostToInbox delivers a signed activity to a remote inbox.
func (c ApClient) PostToInbox(ctx context.Context, inbox string, object interface{}, signer types.ApActor) error {
	_, span := tracer.Start(ctx, "PostToInbox")
	defer span.End()

	objectBytes, err := json.Marshal(object)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", inbox, bytes.NewBuffer(objectBytes))
	if err != nil {
		return err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Content-Type", vocab.ContentType)
	req.Header.Set("User-Agent", vocab.UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	client := new(http.Client)

	priv, err := c.store.LoadKey(ctx, signer)
	if err != nil {
		log.Println(err)
		return err
	}

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "date", "digest", "host"}
	signerObj, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
	if err != nil {
		log.Println(err)
		return err
	}
	err = signerObj.SignRequest(priv, c.keyID(signer), req, objectBytes)
	if err != nil {
		log.Println(err)
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Println(err)
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Println(err)
	}
	log.Printf("POST %s [%d]: %s", inbox, resp.StatusCode, string(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("error posting to inbox: %d", resp.StatusCode)
	}

	return nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusGone:
		return ErrGone
	case code == http.StatusNotFound:
		return ErrNotFound
	case code < 200 || code >= 400:
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}
