package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ProducerClaims are the JWT claims of a producer token. Producer tokens
// authorize appends; every read endpoint stays open.
type ProducerClaims struct {
	jwt.RegisteredClaims
	Producer string `json:"producer"`
}

// Issuer issues and verifies producer tokens signed with HS256. Token
// issuance itself is guarded by an operator secret that is stored only as a
// bcrypt hash.
type Issuer struct {
	signingKey []byte
	secretHash []byte
	issuer     string
	ttl        time.Duration
	logger     *zap.Logger
}

// NewIssuer creates an Issuer.
//
//	signingKey is the HMAC key for token signatures.
//	secretHash is the bcrypt hash of the operator secret that gates issuance.
//	issuerURL  is the "iss" claim value, typically the server's base URL.
//	ttl        is the token lifetime.
func NewIssuer(signingKey, secretHash []byte, issuerURL string, ttl time.Duration, logger *zap.Logger) *Issuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Issuer{
		signingKey: signingKey,
		secretHash: secretHash,
		issuer:     issuerURL,
		ttl:        ttl,
		logger:     logger,
	}
}

// HashSecret bcrypt-hashes an operator secret for storage in config.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// Issue creates a signed producer token.
func (i *Issuer) Issue(producer string) (string, error) {
	now := time.Now().UTC()
	claims := ProducerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   producer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Producer: producer,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a producer token.
func (i *Issuer) Verify(tokenStr string) (*ProducerClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ProducerClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.signingKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*ProducerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// HandleIssueToken handles POST /auth/token: exchanges the operator secret
// for a producer token.
func (i *Issuer) HandleIssueToken(c *gin.Context) {
	var req struct {
		Secret   string `json:"secret" binding:"required"`
		Producer string `json:"producer" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret and producer are required"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(i.secretHash, []byte(req.Secret)); err != nil {
		i.logger.Warn("token issuance rejected", zap.String("producer", req.Producer))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	token, err := i.Issue(req.Producer)
	if err != nil {
		i.logger.Error("issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(i.ttl.Seconds()),
	})
}

// RequireToken returns a middleware that rejects requests without a valid
// producer token.
func (i *Issuer) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := i.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("producer", claims.Producer)
		c.Next()
	}
}
