package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"erigate/internal/jwtauth"
	"erigate/internal/platform/middleware"
	"erigate/internal/platform/secrets"
)

const accessTokenTTL = time.Hour

// AuthHandler exchanges a pre-shared API key for a short-lived bearer token.
// Integrating systems hold the key; everything else on the API requires the
// token it buys.
type AuthHandler struct {
	jwt        *jwtauth.Service
	apiKeyHash string
	logger     *slog.Logger
}

func NewAuthHandler(jwt *jwtauth.Service, apiKeyHash string, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{jwt: jwt, apiKeyHash: apiKeyHash, logger: logger}
}

func (h *AuthHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey   string `json:"apiKey"`
		CallerID string `json:"callerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" || req.CallerID == "" {
		badRequest(w, "apiKey and callerId are required")
		return
	}

	if err := secrets.Verify(req.APIKey, h.apiKeyHash); err != nil {
		h.logger.WarnContext(r.Context(), "token exchange rejected",
			"request_id", middleware.GetRequestID(r.Context()),
			"caller_id", req.CallerID,
		)
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: "invalid_api_key"})
		return
	}

	token, err := h.jwt.GenerateAccessToken(req.CallerID, accessTokenTTL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "token generation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: "internal"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": token,
		"tokenType":   "Bearer",
		"expiresIn":   int(accessTokenTTL.Seconds()),
	})
}

// JWTValidator adapts the jwtauth service to the middleware contract.
type JWTValidator struct {
	svc *jwtauth.Service
}

func NewJWTValidator(svc *jwtauth.Service) JWTValidator {
	return JWTValidator{svc: svc}
}

func (v JWTValidator) ValidateToken(tokenString string) (middleware.CallerClaims, error) {
	claims, err := v.svc.ValidateToken(tokenString)
	if err != nil {
		return middleware.CallerClaims{}, err
	}
	return middleware.CallerClaims{CallerID: claims.CallerID}, nil
}
