package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/ca"
	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/crypto"
)

// AuthorityHandler exposes the active certification authority
type AuthorityHandler struct {
	cfg    *config.Config
	ca     *ca.Authority
	logger *zap.Logger
}

// NewAuthorityHandler creates a new authority handler
func NewAuthorityHandler(cfg *config.Config, authority *ca.Authority, logger *zap.Logger) *AuthorityHandler {
	return &AuthorityHandler{cfg: cfg, ca: authority, logger: logger}
}

// AuthorityView describes the active CA
type AuthorityView struct {
	Serial             string    `json:"serial"`
	Subject            string    `json:"subject"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	CertificatesIssued int64     `json:"certificates_issued"`
	LastIssuedAt       time.Time `json:"last_issued_at,omitempty"`
}

// Get returns the active CA and its issuance statistics
func (h *AuthorityHandler) Get(c *gin.Context) {
	identity, err := h.ca.Identity()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active authority"})
		return
	}

	issued, lastIssued, err := h.ca.Stats()
	if err != nil {
		h.logger.Error("failed to load authority stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load statistics"})
		return
	}

	serial, _ := h.ca.Serial()
	c.JSON(http.StatusOK, AuthorityView{
		Serial:             serial,
		Subject:            identity.Certificate.Subject.String(),
		NotBefore:          identity.Certificate.NotBefore,
		NotAfter:           identity.Certificate.NotAfter,
		CertificatesIssued: issued,
		LastIssuedAt:       lastIssued,
	})
}

// GenerateRequest asks for a fresh CA identity
type GenerateRequest struct {
	CommonName   string `json:"common_name" binding:"required"`
	Organization string `json:"organization"`
	Country      string `json:"country"`
}

// Generate rotates the authority: a new CA and TLS identity replace the
// active pair, and a trust chain transition begins.
func (h *AuthorityHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	subject := crypto.Subject{
		CommonName:   req.CommonName,
		Organization: req.Organization,
		Country:      req.Country,
	}
	if err := h.ca.GenerateCaAndTlsIdentity(subject, h.cfg.CA.StorePassword); err != nil {
		h.logger.Error("failed to generate authority", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate authority"})
		return
	}

	serial, _ := h.ca.Serial()
	h.logger.Info("authority rotated", zap.String("serial", serial))
	c.JSON(http.StatusCreated, gin.H{"serial": serial})
}
