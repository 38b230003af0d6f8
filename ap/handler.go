package ap

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"

	"github.com/forumfed/forum-ap-bridge/signature"
	"github.com/forumfed/forum-ap-bridge/store"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

var tracer = otel.Tracer("activitypub")

// Inbound bodies larger than this are rejected outright.
const maxBodyBytes = 1 << 20

type Handler struct {
	service  *Service
	verifier *signature.Verifier
	store    *store.Store
}

func NewHandler(service *Service, verifier *signature.Verifier, st *store.Store) Handler {
	return Handler{service, verifier, st}
}

func (h Handler) WebFinger(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "WebFinger")
	defer span.End()

	resource := c.QueryParam("resource")
	result, err := h.service.WebFinger(ctx, resource)
	if err != nil {
		span.RecordError(err)
		if err == ErrUnsupportedScheme {
			return c.String(http.StatusMethodNotAllowed, "unsupported resource scheme")
		}
		return c.String(http.StatusBadRequest, "resource not found")
	}

	c.Response().Header().Set("Content-Type", vocab.JRDContentType)
	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfo(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfo")
	defer span.End()

	result, err := h.service.NodeInfo(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	c.Response().Header().Set("Content-Type", "application/json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfoWellKnown(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfoWellKnown")
	defer span.End()

	result, err := h.service.NodeInfoWellKnown(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	c.Response().Header().Set("Content-Type", "application/json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) HostMeta(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HostMeta")
	defer span.End()

	c.Response().Header().Set("Content-Type", "application/xrd+xml")
	return c.String(http.StatusOK, h.service.HostMeta(ctx))
}

// --

func (h Handler) Actor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Actor")
	defer span.End()

	username := c.Param("username")
	if username == "" {
		return c.String(http.StatusBadRequest, "invalid username")
	}

	if !wantsActivityJSON(c) {
		return c.Redirect(http.StatusFound, "https://"+h.service.config.FQDN+"/u/"+username)
	}

	result, err := h.service.Actor(ctx, username)
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) Object(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Object")
	defer span.End()

	key := c.Param("key")
	if key == "" {
		return c.String(http.StatusBadRequest, "invalid object key")
	}

	if !wantsActivityJSON(c) {
		redirectURL, err := h.service.ObjectWebURL(ctx, key)
		if err != nil {
			span.RecordError(err)
			return c.String(http.StatusNotFound, "object not found")
		}
		return c.Redirect(http.StatusFound, redirectURL)
	}

	result, err := h.service.Object(ctx, key, h.viewer(c))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) Activity(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Activity")
	defer span.End()

	result, err := h.service.Activity(ctx, c.Param("key"), h.viewer(c))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) Followers(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Followers")
	defer span.End()

	result, err := h.service.Followers(ctx, c.Param("username"))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) Outbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Outbox")
	defer span.End()

	result, err := h.service.Outbox(ctx, c.Param("username"))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) Collection(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Collection")
	defer span.End()

	result, err := h.service.Collection(ctx, c.Param("username"))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) ObjectStream(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ObjectStream")
	defer span.End()

	result, err := h.service.ObjectStream(ctx, c.Param("key"), h.viewer(c))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) Following(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Following")
	defer span.End()

	result, err := h.service.Following(ctx, c.Param("username"))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) ObjectLikes(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ObjectLikes")
	defer span.End()

	result, err := h.service.ObjectLikes(ctx, c.Param("key"), h.viewer(c))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

func (h Handler) ObjectShares(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ObjectShares")
	defer span.End()

	result, err := h.service.ObjectShares(ctx, c.Param("key"), h.viewer(c))
	if err != nil {
		span.RecordError(err)
		return h.renderError(c, err)
	}

	c.Response().Header().Set("Content-Type", vocab.ContentType)
	return c.JSON(http.StatusOK, result.GetData())
}

// Inbox accepts one activity, verifies it on the request path and queues
// it for the pipeline. 202 means accepted, not processed.
func (h Handler) Inbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Inbox")
	defer span.End()

	if !isActivityContentType(c.Request().Header.Get("Content-Type")) {
		return c.String(http.StatusUnprocessableEntity, "unsupported content type")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "unreadable body")
	}
	if len(body) > maxBodyBytes {
		return c.String(http.StatusRequestEntityTooLarge, "body too large")
	}

	raw, err := types.LoadAsRawApObj(body)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusUnprocessableEntity, "invalid activity document")
	}
	if !vocab.Known(raw.MustGetString("type")) {
		return c.String(http.StatusUnprocessableEntity, "unknown activity type")
	}

	if h.store.RequireSignedRequests(ctx) || c.Request().Header.Get("Signature") != "" {
		if _, verr := h.verifier.Verify(ctx, c.Request(), body); verr != nil {
			span.RecordError(verr)
			return c.String(verr.Status, string(verr.Reason))
		}
	}

	var recipient string
	if username := c.Param("username"); username != "" {
		actor, err := h.store.GetActorByUsername(ctx, username)
		if err != nil {
			return c.String(http.StatusNotFound, "no such inbox")
		}
		recipient = actor.ApID
	}

	if err := h.service.EnqueueInbound(ctx, recipient, body); err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "could not accept activity")
	}
	return c.NoContent(http.StatusAccepted)
}

func (h Handler) renderError(c echo.Context, err error) error {
	switch err {
	case ErrNotFound:
		return c.String(http.StatusNotFound, "not found")
	case ErrNotAuthorized:
		return c.String(http.StatusUnauthorized, "not authorized")
	case ErrNotReady:
		return c.String(http.StatusForbidden, "not available")
	}
	return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
}

// viewer verifies an optional signature on a GET and returns the signing
// actor's id, empty when the request is anonymous.
func (h Handler) viewer(c echo.Context) string {
	if c.Request().Header.Get("Signature") == "" {
		return ""
	}
	actorID, verr := h.verifier.Verify(c.Request().Context(), c.Request(), nil)
	if verr != nil {
		return ""
	}
	return actorID
}

func wantsActivityJSON(c echo.Context) bool {
	return isActivityContentType(c.Request().Header.Get("Accept"))
}

// isActivityContentType accepts the ActivityPub media type and the JSON-LD
// form with or without parameters.
func isActivityContentType(header string) bool {
	for _, part := range strings.Split(header, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.TrimSpace(mediaType) {
		case vocab.ContentType, "application/ld+json":
			return true
		}
	}
	return false
}
