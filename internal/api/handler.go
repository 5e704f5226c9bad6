// Package api wires the HTTP surface of spec §6.1 onto the Submission
// Coordinator and Retrieval Service, in the teacher's Handler-struct +
// RegisterRoutes(r, h) style (github.com/gin-gonic/gin).
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nitesh/landmarkd/internal/apperr"
	"github.com/nitesh/landmarkd/internal/retrieval"
	"github.com/nitesh/landmarkd/internal/submission"
)

// Handler wraps the domain services for HTTP consumption.
type Handler struct {
	coordinator *submission.Coordinator
	retrieval   *retrieval.Service
	log         *logrus.Entry
}

func NewHandler(coordinator *submission.Coordinator, retrieval *retrieval.Service, log *logrus.Entry) *Handler {
	return &Handler{coordinator: coordinator, retrieval: retrieval, log: log}
}

// RegisterRoutes wires the four endpoints of spec §6.1.
func RegisterRoutes(r *gin.Engine, h *Handler, webhookSecret string) {
	r.GET("/healthz", h.Healthz)
	r.GET("/landmarks", h.GetLandmarks)
	r.GET("/webhook/:id", h.GetByID)
	r.POST("/webhook", BearerAuth(webhookSecret), h.Submit)
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

type submitRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Submit: POST /webhook
func (h *Handler) Submit(c *gin.Context) {
	var body submitRequest
	if err := c.BindJSON(&body); err != nil {
		writeError(c, h.log, apperr.Invalid("malformed request body", map[string]string{"body": err.Error()}))
		return
	}

	result, err := h.coordinator.Submit(c.Request.Context(), body.Lat, body.Lng)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":     result.RequestID,
		"status": result.Status,
	})
}

// GetByID: GET /webhook/{id}
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, h.log, apperr.Invalid("invalid id", map[string]string{"id": "must be a UUID"}))
		return
	}

	resp, state, err := h.retrieval.GetByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	switch state {
	case retrieval.StateNotFound:
		c.Status(http.StatusNotFound)
	case retrieval.StateNotReady:
		c.Status(http.StatusAccepted)
	default:
		c.JSON(http.StatusOK, resp)
	}
}

// GetLandmarks: GET /landmarks?lat=&lng=
func (h *Handler) GetLandmarks(c *gin.Context) {
	lat, lng, err := parseLatLng(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	resp, err := h.retrieval.GetByCoordinates(c.Request.Context(), lat, lng)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func parseLatLng(c *gin.Context) (lat, lng float64, err error) {
	latStr := c.Query("lat")
	lngStr := c.Query("lng")
	fieldErrors := map[string]string{}
	if latStr == "" {
		fieldErrors["lat"] = "required"
	}
	if lngStr == "" {
		fieldErrors["lng"] = "required"
	}
	if len(fieldErrors) > 0 {
		return 0, 0, apperr.Invalid("missing query parameters", fieldErrors)
	}

	var latErr, lngErr error
	lat, latErr = strconv.ParseFloat(latStr, 64)
	lng, lngErr = strconv.ParseFloat(lngStr, 64)
	if latErr != nil {
		fieldErrors["lat"] = "must be a number"
	}
	if lngErr != nil {
		fieldErrors["lng"] = "must be a number"
	}
	if len(fieldErrors) > 0 {
		return 0, 0, apperr.InvalidParameter("invalid query parameters", fieldErrors)
	}
	return lat, lng, nil
}
