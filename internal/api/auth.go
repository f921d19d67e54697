package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/roomsync/internal/types"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	tokenQueryParam = "token"
)

type contextKey string

const userKey contextKey = "user"

var errNoCredential = errors.New("no credential")

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// CurrentUser returns the verified user attached to ctx, if any.
func CurrentUser(ctx context.Context) (*types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	if !ok {
		return nil, false
	}
	return &user, true
}

// TokenManager issues and verifies HS256 bearer tokens carrying a user id.
type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
}

func NewTokenManager(signingKey []byte, ttl time.Duration) *TokenManager {
	return &TokenManager{signingKey: signingKey, ttl: ttl}
}

func (tm *TokenManager) IssueToken(user types.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: user.Id,
		expClaim:    time.Now().Add(tm.ttl).Unix(),
	})

	return token.SignedString(tm.signingKey)
}

// ParseToken verifies tokenString and returns the user id it carries.
func (tm *TokenManager) ParseToken(tokenString string) (int, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.signingKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return 0, fmt.Errorf("invalid user id claim")
	}

	return int(userId), nil
}

// bearerToken reads the credential from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers on
// a websocket upgrade.
func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("malformed authorization header")
		}
		return strings.TrimSpace(token), nil
	}

	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token, nil
	}

	return "", errNoCredential
}

// authenticate resolves the request's credential to a user. Verified tokens
// are remembered for a minute so a reconnect storm does not hit the database
// once per socket.
func (s *App) authenticate(r *http.Request) (types.User, error) {
	tokenString, err := bearerToken(r)
	if err != nil {
		return types.User{}, err
	}

	if cached, ok := s.verified.Get(tokenString); ok {
		return cached.(types.User), nil
	}

	userId, err := s.tokens.ParseToken(tokenString)
	if err != nil {
		return types.User{}, err
	}

	dbUser, err := s.db.GetUser(userId)
	if err != nil {
		return types.User{}, fmt.Errorf("get user %d: %w", userId, err)
	}

	user := types.User{
		Id:        dbUser.Id,
		Username:  dbUser.Username,
		CreatedAt: dbUser.CreatedAt,
	}
	s.verified.SetDefault(tokenString, user)

	return user, nil
}
