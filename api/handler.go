package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("api")

type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{
		service,
	}
}

func (h Handler) EnableFederation(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "EnableFederation")
	defer span.End()

	modelType := c.Param("modelType")
	modelID := c.Param("modelID")
	if modelType == "" || modelID == "" {
		return c.String(http.StatusBadRequest, "invalid model reference")
	}

	actor, err := h.service.EnableFederation(ctx, modelType, modelID)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": actor})
}

func (h Handler) DisableFederation(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "DisableFederation")
	defer span.End()

	err := h.service.DisableFederation(ctx, c.Param("modelType"), c.Param("modelID"))
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusNotFound, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) GetActor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetActor")
	defer span.End()

	actor, err := h.service.GetActor(ctx, c.Param("modelType"), c.Param("modelID"))
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "actor not found")
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": actor})
}

// FollowRequest names the remote actor, as an id or a user@domain handle.
type FollowRequest struct {
	Target string `json:"target"`
}

func (h Handler) Follow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Follow")
	defer span.End()

	userID := c.Param("userID")
	if userID == "" {
		return c.String(http.StatusBadRequest, "invalid user id")
	}

	var request FollowRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	follow, err := h.service.Follow(ctx, userID, request.Target)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": follow})
}

func (h Handler) UnFollow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "UnFollow")
	defer span.End()

	userID := c.Param("userID")
	if userID == "" {
		return c.String(http.StatusBadRequest, "invalid user id")
	}

	var request FollowRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	deleted, err := h.service.UnFollow(ctx, userID, request.Target)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": deleted})
}

// LikeRequest names federated content by its object id.
type LikeRequest struct {
	Object string `json:"object"`
}

func (h Handler) Like(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Like")
	defer span.End()

	var request LikeRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	err := h.service.LikeObject(ctx, c.Param("userID"), request.Object)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) ResolveActor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ResolveActor")
	defer span.End()

	target := c.QueryParam("target")
	if target == "" {
		return c.String(http.StatusBadRequest, "missing target")
	}

	person, err := h.service.ResolveActor(ctx, c.Param("userID"), target)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "actor not found")
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": person})
}

func (h Handler) GetStats(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetStats")
	defer span.End()

	stats, err := h.service.GetStats(ctx, c.Param("modelType"), c.Param("modelID"))
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "actor not found")
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": stats})
}

func (h Handler) GetFollows(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetFollows")
	defer span.End()

	follows, err := h.service.GetFollows(ctx, c.Param("modelType"), c.Param("modelID"))
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "actor not found")
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": follows})
}

func (h Handler) GetFollowers(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetFollowers")
	defer span.End()

	followers, err := h.service.GetFollowers(ctx, c.Param("modelType"), c.Param("modelID"))
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "actor not found")
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": followers})
}

func (h Handler) GetSettings(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetSettings")
	defer span.End()

	settings, err := h.service.GetSettings(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": settings})
}

func (h Handler) UpdateSettings(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "UpdateSettings")
	defer span.End()

	var settings map[string]string
	if err := c.Bind(&settings); err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	if err := h.service.UpdateSettings(ctx, settings); err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
