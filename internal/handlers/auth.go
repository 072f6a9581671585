package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mossy-p/blink-duel/internal/middleware"
)

const maxDisplayNameLength = 32

// LoginRequest represents the login request body
type LoginRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token       string    `json:"token"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Login issues a relay session token for a display name.
// There are no accounts; the token only binds a display name to a user ID.
func Login(jwtSecret string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		name := strings.TrimSpace(req.DisplayName)
		if name == "" || len([]rune(name)) > maxDisplayNameLength {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "displayName must be 1-32 characters",
			})
			return
		}

		userID := uuid.NewString()
		token, expiresAt, err := IssueToken(jwtSecret, userID, name, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:       token,
			UserID:      userID,
			DisplayName: name,
			ExpiresAt:   expiresAt,
		})
	}
}

// IssueToken signs a session token
func IssueToken(jwtSecret, userID, displayName string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := middleware.JWTClaims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}
