package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/database/models"
	"github.com/peersec/peerca/internal/ra"
)

// RegistrationHandler serves the review queue
type RegistrationHandler struct {
	ra     *ra.Authority
	logger *zap.Logger
}

// NewRegistrationHandler creates a new registration handler
func NewRegistrationHandler(authority *ra.Authority, logger *zap.Logger) *RegistrationHandler {
	return &RegistrationHandler{ra: authority, logger: logger}
}

// RegistrationView is the JSON projection of a registration entry. Password
// hashes and verification codes stay server-side.
type RegistrationView struct {
	ID             string    `json:"id"`
	Avatar         string    `json:"avatar"`
	Email          string    `json:"email"`
	World          string    `json:"world"`
	Verified       bool      `json:"verified"`
	Authorized     bool      `json:"authorized"`
	ProgramName    string    `json:"program_name"`
	ProgramVersion string    `json:"program_version"`
	OptionalInfo   string    `json:"optional_info,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

func registrationView(entry *models.RegistrationEntry) RegistrationView {
	return RegistrationView{
		ID:             entry.ID,
		Avatar:         entry.Avatar,
		Email:          entry.Email,
		World:          entry.World,
		Verified:       entry.Verified,
		Authorized:     entry.Authorized,
		ProgramName:    entry.ProgramName,
		ProgramVersion: entry.ProgramVersion,
		OptionalInfo:   entry.OptionalInfo.String,
		RequestedAt:    entry.RequestedAt,
	}
}

// List returns all registrations pending under the active CA
func (h *RegistrationHandler) List(c *gin.Context) {
	entries, err := h.ra.ListRegistrations()
	if err != nil {
		h.logger.Error("failed to list registrations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list registrations"})
		return
	}

	views := make([]RegistrationView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, registrationView(entry))
	}
	c.JSON(http.StatusOK, gin.H{"registrations": views})
}

// SelectionRequest names registrations for a bulk operation
type SelectionRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

// Authorize grants the selected registrations
func (h *RegistrationHandler) Authorize(c *gin.Context) {
	h.bulk(c, h.ra.Authorize, "authorized")
}

// Reject removes the selected registrations
func (h *RegistrationHandler) Reject(c *gin.Context) {
	h.bulk(c, h.ra.Reject, "rejected")
}

// Delete removes the selected registrations without review semantics
func (h *RegistrationHandler) Delete(c *gin.Context) {
	h.bulk(c, h.ra.Delete, "deleted")
}

func (h *RegistrationHandler) bulk(c *gin.Context, op func([]string) error, verb string) {
	var req SelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := op(req.IDs); err != nil {
		if errors.Is(err, ra.ErrRegistrationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("bulk registration operation failed", zap.String("op", verb), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": verb, "count": len(req.IDs)})
}
