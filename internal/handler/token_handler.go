package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/awesome-babushka/auth-service/internal/models"
	"github.com/awesome-babushka/auth-service/internal/service"
	appErrors "github.com/awesome-babushka/auth-service/pkg/errors"
	"github.com/awesome-babushka/auth-service/pkg/response"
)

// TokenHandler exposes the token lifecycle endpoints.
type TokenHandler struct {
	tokens *service.TokenService
	auth   *service.AuthService
}

// NewTokenHandler creates a new handler.
func NewTokenHandler(tokens *service.TokenService, auth *service.AuthService) *TokenHandler {
	return &TokenHandler{tokens: tokens, auth: auth}
}

// Refresh godoc
// @Summary Rotate refresh token
// @Description Exchange a refresh token for a new token pair; single-use
// @Tags Tokens
// @Accept json
// @Produce json
// @Param payload body models.RefreshRequest true "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /token/refresh [post]
func (h *TokenHandler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}
	req.IPAddress = c.ClientIP()

	pair, err := h.tokens.Refresh(c.Request.Context(), req.RefreshToken, req.DeviceID, req.IPAddress)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, pair)
}

// Validate godoc
// @Summary Validate access token
// @Description Verify the bearer token and return the subject's info
// @Tags Tokens
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /token/validate [get]
func (h *TokenHandler) Validate(c *gin.Context) {
	raw, ok := bearerToken(c)
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "bearer token required"))
		return
	}

	info, err := h.auth.Validate(c.Request.Context(), raw)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"valid": true, "user": info})
}

// RevokeAll godoc
// @Summary Revoke all of a user's refresh tokens
// @Description Administrative global logout across all token families
// @Tags Tokens
// @Produce json
// @Param username path string true "Username"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /token/users/{username}/revoke [post]
func (h *TokenHandler) RevokeAll(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "username required"))
		return
	}

	count, err := h.tokens.RevokeAllForUser(c.Request.Context(), username)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"revoked": count})
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
