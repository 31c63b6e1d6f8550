package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/omochice/broadcast-chat/internal/auth"
)

// apiResponse is the body shape of the token endpoints.
type apiResponse struct {
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Valid   *bool  `json:"valid,omitempty"`
}

func (s *Server) handleGenToken(c echo.Context) error {
	token, err := s.issuer.Issue(c.QueryParam("userId"))
	if err != nil {
		s.logger.Error("Token generation failed", "error", err)
		return c.JSON(http.StatusInternalServerError, apiResponse{
			Message: "Failed to generate token",
			Status:  http.StatusInternalServerError,
		})
	}
	return c.JSON(http.StatusOK, apiResponse{
		Token:   token,
		Message: "Token generated successfully",
		Status:  http.StatusOK,
	})
}

func (s *Server) handleVerifyToken(c echo.Context) error {
	token := auth.TokenFromHeader(c.Request().Header.Get("Authorization"))
	if token == "" {
		valid := false
		return c.JSON(http.StatusUnauthorized, apiResponse{
			Message: "No token provided",
			Status:  http.StatusUnauthorized,
			Valid:   &valid,
		})
	}

	if _, err := s.issuer.Verify(token); err != nil {
		s.logger.Info("Token verification failed", "error", err)
		return c.JSON(http.StatusUnauthorized, apiResponse{
			Message: "Invalid token",
			Status:  http.StatusUnauthorized,
		})
	}

	valid := true
	return c.JSON(http.StatusOK, apiResponse{
		Message: "Token is valid",
		Status:  http.StatusOK,
		Valid:   &valid,
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.registry.Len(),
	})
}
