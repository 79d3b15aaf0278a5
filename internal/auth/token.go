package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: expired token")
)

const TokenTypeWebsocket = "websocket"

// Claims is the shared identity token. Seller tokens may carry the id in
// seller_id instead of user_id.
type Claims struct {
	UserID    uint64 `json:"user_id,omitempty"`
	SellerID  uint64 `json:"seller_id,omitempty"`
	UserType  string `json:"user_type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// AccountID returns the subject id, preferring user_id.
func (c *Claims) AccountID() uint64 {
	if c.UserID != 0 {
		return c.UserID
	}
	return c.SellerID
}

// Kind returns the declared account kind, if any.
func (c *Claims) Kind() (identity.Kind, bool) {
	if c.UserType == "" {
		if c.SellerID != 0 && c.UserID == 0 {
			return identity.Seller, true
		}
		return "", false
	}
	return identity.ParseKind(c.UserType)
}

func SignJWT(secret string, ident identity.Identity, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	claims := Claims{
		UserID:    ident.ID,
		UserType:  string(ident.Kind),
		SessionID: sessionID,
		TokenType: TokenTypeWebsocket,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

func ParseJWT(tokenStr, secret string) (*Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	if strings.Count(tokenStr, ".") != 2 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrInvalidToken)
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.AccountID() == 0 {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}

// NewSessionID mints a sortable session id.
func NewSessionID() string {
	return ulid.Make().String()
}
