package http

import (
	"net/http"
	"time"

	"pttlink/internal/core/ports"
	apperrors "pttlink/pkg/errors"
	"pttlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenHandler serves the credential issuance RPC. It is the reference
// issuer: production deployments replace it with the vendor's token
// server behind the same contract.
type TokenHandler struct {
	signingSecret []byte
	appID         string
	credentialTTL time.Duration
	logger        *zap.SugaredLogger

	now func() time.Time
}

// NewTokenHandler creates the issuance handler. An empty signingSecret
// puts the issuer in test mode: responses carry a blank token and
// testMode=true, which clients must treat as a configuration error.
func NewTokenHandler(signingSecret, appID string, credentialTTL time.Duration, logger *zap.SugaredLogger) *TokenHandler {
	if credentialTTL <= 0 {
		credentialTTL = 24 * time.Hour
	}
	return &TokenHandler{
		signingSecret: []byte(signingSecret),
		appID:         appID,
		credentialTTL: credentialTTL,
		logger:        logger,
		now:           time.Now,
	}
}

func (h *TokenHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/v1")
	{
		api.POST("/rtc/token", h.IssueToken)
	}
}

// channelClaims is the JWT payload the media gateway verifies on join.
type channelClaims struct {
	Channel  string `json:"channel"`
	RegionID string `json:"regionId"`
	OfficeID string `json:"officeId"`
	UserType string `json:"userType"`
	jwt.RegisteredClaims
}

func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req ports.IssueRequest
	if err := c.BindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInput("malformed issue request"))
		c.Abort()
		return
	}

	if err := validation.ValidateID("regionId", req.RegionID); err != nil {
		_ = c.Error(apperrors.NewInvalidInput(err.Error()))
		c.Abort()
		return
	}
	if err := validation.ValidateID("officeId", req.OfficeID); err != nil {
		_ = c.Error(apperrors.NewInvalidInput(err.Error()))
		c.Abort()
		return
	}
	if err := validation.ValidateUserType(req.UserType); err != nil {
		_ = c.Error(apperrors.NewInvalidInput(err.Error()))
		c.Abort()
		return
	}

	channel := "ptt_" + req.RegionID + "_" + req.OfficeID

	if len(h.signingSecret) == 0 {
		// Test mode. The blank token is deliberate: clients surface it as
		// a configuration error instead of attempting a join.
		h.logger.Warnw("issuing test-mode response, signing secret not configured",
			"region_id", req.RegionID,
			"office_id", req.OfficeID,
		)
		c.JSON(http.StatusOK, ports.IssueResponse{
			Token:       "",
			ChannelName: channel,
			AppID:       h.appID,
			ExpiresIn:   int64(h.credentialTTL.Seconds()),
			TestMode:    true,
		})
		return
	}

	now := h.now()
	claims := channelClaims{
		Channel:  channel,
		RegionID: req.RegionID,
		OfficeID: req.OfficeID,
		UserType: req.UserType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "pttlink-issuer",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.credentialTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.signingSecret)
	if err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to sign token", http.StatusInternalServerError))
		c.Abort()
		return
	}

	h.logger.Infow("issued channel credential",
		"region_id", req.RegionID,
		"office_id", req.OfficeID,
		"user_type", req.UserType,
		"channel", channel,
	)

	c.JSON(http.StatusOK, ports.IssueResponse{
		Token:       token,
		ChannelName: channel,
		AppID:       h.appID,
		ExpiresIn:   int64(h.credentialTTL.Seconds()),
	})
}

// ValidateToken parses and verifies a minted token. The reference media
// gateway uses it during negotiate.
func (h *TokenHandler) ValidateToken(tokenString string) (*channelClaims, error) {
	claims := &channelClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.signingSecret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
