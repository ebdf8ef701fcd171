// Package handlers exposes the webhook ingestion surface and the internal
// stream control endpoints over gin.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/truongvando/ezstream-sub009/internal/fleetstats"
	"github.com/truongvando/ezstream-sub009/internal/normalizer"
	"github.com/truongvando/ezstream-sub009/internal/reconciler"
	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/internal/webhookauth"
	"github.com/truongvando/ezstream-sub009/pkg/logging"
	"github.com/truongvando/ezstream-sub009/pkg/models"
)

// maxBodyBytes caps webhook payload size
const maxBodyBytes = 1 << 20

// Config carries the secrets the webhook surface authenticates with
type Config struct {
	AppSecret string // HMAC root for stream tokens, VPS tokens and signatures
	JWTSecret string // provisioning token secret
}

// Handlers binds the webhook and control endpoints
type Handlers struct {
	engine *reconciler.Engine
	store  *store.Store
	fleet  *fleetstats.Cache
	cfg    Config
	logger logging.Logger
}

// New creates the handler set
func New(engine *reconciler.Engine, st *store.Store, fleet *fleetstats.Cache, cfg Config, logger logging.Logger) *Handlers {
	return &Handlers{engine: engine, store: st, fleet: fleet, cfg: cfg, logger: logger}
}

// RegisterRoutes attaches all endpoints to the router
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	webhook := router.Group("/webhook")
	{
		webhook.POST("/agent-report/:stream_id", h.AgentReport)
		webhook.POST("/vps-status", h.VpsStatus)
		webhook.POST("/vps-provision", h.VpsProvision)
		webhook.POST("/video-processing", h.VideoProcessing)
		webhook.POST("/vps-stats", h.VpsStats)
	}

	streams := router.Group("/streams")
	{
		streams.POST("/:id/start", h.StartStream)
		streams.POST("/:id/stop", h.StopStream)
	}

	fleet := router.Group("/fleet")
	{
		fleet.GET("/summary", h.FleetSummary)
		fleet.GET("/vps/:id", h.VpsSnapshot)
	}
}

func (h *Handlers) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	return body, true
}

// rejectAuth maps an auth failure to its status code and records it
func (h *Handlers) rejectAuth(c *gin.Context, endpoint string, err error) {
	reason := webhookauth.ReasonBadSignature
	var authErr *webhookauth.Error
	if errors.As(err, &authErr) {
		reason = authErr.Reason
	}

	status := http.StatusForbidden
	if reason == webhookauth.ReasonMissingSignature {
		status = http.StatusUnauthorized
	}

	h.logger.WithFields(logging.Fields{
		"endpoint": endpoint,
		"reason":   reason,
		"remote":   c.ClientIP(),
	}).Warn("Webhook authentication rejected")

	if logErr := h.store.AppendEvent(c.Request.Context(), models.EventLogEntry{
		Level:   models.EventLevelWarn,
		Type:    models.EventAuthRejected,
		Message: "webhook authentication rejected on " + endpoint,
		Context: map[string]interface{}{
			"endpoint": endpoint,
			"reason":   reason,
			"remote":   c.ClientIP(),
		},
	}); logErr != nil {
		h.logger.WithError(logErr).Error("Failed to record auth rejection")
	}

	c.JSON(status, gin.H{"error": "authentication failed", "reason": reason})
}

// rejectInvalid records a malformed payload and answers 400
func (h *Handlers) rejectInvalid(c *gin.Context, endpoint string, err error) {
	if logErr := h.store.AppendEvent(c.Request.Context(), models.EventLogEntry{
		Level:   models.EventLevelWarn,
		Type:    models.EventInvalidPayload,
		Message: "invalid payload on " + endpoint + ": " + err.Error(),
		Context: map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		},
	}); logErr != nil {
		h.logger.WithError(logErr).Error("Failed to record invalid payload")
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// AgentReport handles POST /webhook/agent-report/:stream_id. Authenticated
// with the rotating per-stream token in X-Stream-Token.
func (h *Handlers) AgentReport(c *gin.Context) {
	streamID, err := strconv.ParseInt(c.Param("stream_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	if h.cfg.AppSecret == "" {
		h.rejectAuth(c, "agent-report", &webhookauth.Error{Reason: webhookauth.ReasonUnauthenticated})
		return
	}
	token := c.GetHeader("X-Stream-Token")
	if err := webhookauth.VerifyStreamToken(h.cfg.AppSecret, streamID, token, time.Now()); err != nil {
		h.rejectAuth(c, "agent-report", err)
		return
	}

	body, ok := h.readBody(c)
	if !ok {
		return
	}
	report, err := normalizer.NormalizeAgentReport(body)
	if err != nil {
		h.rejectInvalid(c, "agent-report", err)
		return
	}
	if report.StreamID != streamID {
		h.rejectInvalid(c, "agent-report", errors.New("body stream_id does not match path"))
		return
	}

	result, err := h.engine.Apply(c.Request.Context(), report)
	if err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to apply agent report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply report"})
		return
	}
	if result.Applied && h.fleet != nil {
		// Counter may have moved; drop the cached snapshot
		h.fleet.Invalidate(c.Request.Context(), report.VpsID)
	}

	// Rejections the agent cannot fix by retrying are acknowledged with 200
	c.JSON(http.StatusOK, gin.H{
		"applied": result.Applied,
		"reason":  result.Reason,
		"status":  result.ResultingStatus,
	})
}

// VpsStatus handles POST /webhook/vps-status: one fleet-status payload
// carrying the full stream map of a VPS. Authenticated with the VPS token.
func (h *Handlers) VpsStatus(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	// Only vps_id is read before the token check; the full payload is not
	// validated for unauthenticated callers.
	vpsID, err := normalizer.ExtractVpsID(body)
	if err != nil {
		h.rejectInvalid(c, "vps-status", err)
		return
	}
	if h.cfg.AppSecret == "" {
		h.rejectAuth(c, "vps-status", &webhookauth.Error{Reason: webhookauth.ReasonUnauthenticated})
		return
	}
	if err := webhookauth.VerifyVpsToken(h.cfg.AppSecret, vpsID, c.GetHeader("X-Auth-Token")); err != nil {
		h.rejectAuth(c, "vps-status", err)
		return
	}

	fleet, err := normalizer.NormalizeFleetStatus(body)
	if err != nil {
		h.rejectInvalid(c, "vps-status", err)
		return
	}

	if fleet.Metrics != nil {
		if err := h.store.UpdateVpsLiveness(c.Request.Context(), *fleet.Metrics); err != nil && !errors.Is(err, store.ErrNotFound) {
			h.logger.WithError(err).WithField("vps_id", fleet.VpsID).Error("Failed to update VPS liveness")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist liveness"})
			return
		}
		h.refreshFleetCache(c, fleet.VpsID, *fleet.Metrics)
	}

	applied, rejected := 0, 0
	for _, report := range fleet.Reports {
		result, err := h.engine.Apply(c.Request.Context(), report)
		if err != nil {
			h.logger.WithError(err).WithField("stream_id", report.StreamID).Error("Failed to apply fleet report")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply reports"})
			return
		}
		if result.Applied {
			applied++
		} else {
			rejected++
		}
	}
	if applied > 0 && h.fleet != nil {
		h.fleet.Invalidate(c.Request.Context(), fleet.VpsID)
	}

	c.JSON(http.StatusOK, gin.H{
		"vps_id":   fleet.VpsID,
		"applied":  applied,
		"rejected": rejected,
	})
}

// VpsProvision handles POST /webhook/vps-provision. Authenticated with the
// single-purpose JWT issued at provisioning time.
func (h *Handlers) VpsProvision(c *gin.Context) {
	if h.cfg.JWTSecret == "" {
		h.rejectAuth(c, "vps-provision", &webhookauth.Error{Reason: webhookauth.ReasonUnauthenticated})
		return
	}

	token := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		token = token[len(prefix):]
	}
	if token == "" {
		h.rejectAuth(c, "vps-provision", &webhookauth.Error{Reason: webhookauth.ReasonMissingSignature})
		return
	}

	claims, err := webhookauth.VerifyProvisionToken(h.cfg.JWTSecret, token)
	if err != nil {
		h.rejectAuth(c, "vps-provision", err)
		return
	}

	body, ok := h.readBody(c)
	if !ok {
		return
	}
	report, err := normalizer.NormalizeProvisionReport(body)
	if err != nil {
		h.rejectInvalid(c, "vps-provision", err)
		return
	}

	if !report.Ready {
		c.JSON(http.StatusOK, gin.H{"vps_id": claims.VpsID, "acknowledged": true, "activated": false})
		return
	}

	if err := h.store.MarkVpsProvisioned(c.Request.Context(), claims.VpsID, report.MaxStreams); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"vps_id": claims.VpsID, "acknowledged": true, "activated": false})
			return
		}
		h.logger.WithError(err).WithField("vps_id", claims.VpsID).Error("Failed to mark VPS provisioned")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate vps"})
		return
	}

	if err := h.store.AppendEvent(c.Request.Context(), models.EventLogEntry{
		Level:   models.EventLevelInfo,
		Type:    models.EventVpsProvisioned,
		Message: "vps provisioned and activated",
		Context: map[string]interface{}{
			"vps_id":      claims.VpsID,
			"max_streams": report.MaxStreams,
		},
	}); err != nil {
		h.logger.WithError(err).Error("Failed to record provisioning event")
	}

	c.JSON(http.StatusOK, gin.H{"vps_id": claims.VpsID, "acknowledged": true, "activated": true})
}

// VideoProcessing handles POST /webhook/video-processing from the CDN.
// Authenticated with an HMAC signature over the raw body in X-Signature.
func (h *Handlers) VideoProcessing(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	if h.cfg.AppSecret == "" {
		h.rejectAuth(c, "video-processing", &webhookauth.Error{Reason: webhookauth.ReasonUnauthenticated})
		return
	}
	if err := webhookauth.VerifyHMAC([]byte(h.cfg.AppSecret), body, c.GetHeader("X-Signature")); err != nil {
		h.rejectAuth(c, "video-processing", err)
		return
	}

	event, err := normalizer.NormalizeCDNEvent(body)
	if err != nil {
		h.rejectInvalid(c, "video-processing", err)
		return
	}

	if !event.Relevant {
		c.JSON(http.StatusOK, gin.H{"acknowledged": true, "streams_advanced": 0})
		return
	}

	advanced, err := h.engine.HandleAssetProcessed(c.Request.Context(), event.VideoGuid, event.Succeeded)
	if err != nil {
		h.logger.WithError(err).WithField("video_guid", event.VideoGuid).Error("Failed to handle processing event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to handle event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "streams_advanced": advanced})
}

// VpsStats handles POST /webhook/vps-stats: the high-frequency resource
// metrics push. Authenticated with the VPS token.
func (h *Handlers) VpsStats(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	vpsID, err := normalizer.ExtractVpsID(body)
	if err != nil {
		h.rejectInvalid(c, "vps-stats", err)
		return
	}
	if h.cfg.AppSecret == "" {
		h.rejectAuth(c, "vps-stats", &webhookauth.Error{Reason: webhookauth.ReasonUnauthenticated})
		return
	}
	if err := webhookauth.VerifyVpsToken(h.cfg.AppSecret, vpsID, c.GetHeader("X-Auth-Token")); err != nil {
		h.rejectAuth(c, "vps-stats", err)
		return
	}

	metrics, err := normalizer.NormalizeStatsPush(body)
	if err != nil {
		h.rejectInvalid(c, "vps-stats", err)
		return
	}

	if err := h.store.UpdateVpsLiveness(c.Request.Context(), metrics); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown VPS: acknowledge so the agent does not retry
			c.JSON(http.StatusOK, gin.H{"acknowledged": true, "known": false})
			return
		}
		h.logger.WithError(err).WithField("vps_id", metrics.VpsID).Error("Failed to update VPS liveness")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist stats"})
		return
	}

	h.refreshFleetCache(c, metrics.VpsID, metrics)
	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "known": true})
}

func (h *Handlers) refreshFleetCache(c *gin.Context, vpsID int64, metrics models.VpsMetrics) {
	if h.fleet == nil {
		return
	}
	vps, err := h.store.GetVps(c.Request.Context(), vpsID)
	if err != nil {
		h.logger.WithError(err).WithField("vps_id", vpsID).Warn("Failed to load VPS for cache refresh")
		return
	}
	h.fleet.RecordLiveness(c.Request.Context(), vps, metrics)
}

// StartStream handles POST /streams/:id/start from the control plane
func (h *Handlers) StartStream(c *gin.Context) {
	h.userAction(c, models.UserActionStart)
}

// StopStream handles POST /streams/:id/stop from the control plane
func (h *Handlers) StopStream(c *gin.Context) {
	h.userAction(c, models.UserActionStop)
}

func (h *Handlers) userAction(c *gin.Context, action models.UserAction) {
	streamID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}

	var stream *models.StreamConfiguration
	if action == models.UserActionStart {
		stream, err = h.engine.RequestStart(c.Request.Context(), streamID)
	} else {
		stream, err = h.engine.RequestStop(c.Request.Context(), streamID)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		case errors.Is(err, reconciler.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to apply user action")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply action"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream_id": stream.ID,
		"status":    stream.Status,
	})
}

// FleetSummary handles GET /fleet/summary
func (h *Handlers) FleetSummary(c *gin.Context) {
	summary, err := h.fleet.FleetSummary(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to build fleet summary")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// VpsSnapshot handles GET /fleet/vps/:id
func (h *Handlers) VpsSnapshot(c *gin.Context) {
	vpsID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vps id"})
		return
	}

	snap, err := h.fleet.VpsSnapshot(c.Request.Context(), vpsID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "vps not found"})
			return
		}
		h.logger.WithError(err).WithField("vps_id", vpsID).Error("Failed to load VPS snapshot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
