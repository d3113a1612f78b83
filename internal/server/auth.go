package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Claims struct {
	Uid string `json:"uid"`
	jwt.RegisteredClaims
}

type ctxKey string

const userKey ctxKey = "uid"

// SignToken issues an HS256 token for uid that the gate accepts until ttl
// has passed.
func SignToken(secret []byte, uid string, ttl time.Duration) (string, error) {
	now := time.Now()
	claim := Claims{
		Uid: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claim).SignedString(secret)
}

// token -> uid
func parseToken(secret []byte, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claim, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claim.Uid != "" {
		return claim.Uid, nil
	}
	return claim.Subject, nil
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// browsers cannot set headers on a websocket upgrade
	return r.URL.Query().Get("token")
}

// gate rejects requests without a valid token. With no secret configured
// every request passes anonymously.
func (s *Server) gate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.secret) == 0 {
			next(w, r)
			return
		}

		uid, err := parseToken(s.secret, bearer(r))
		if err != nil {
			s.log.Debug("token refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "Invalid token", http.StatusForbidden)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, uid)))
	}
}

func userFrom(ctx context.Context) string {
	uid, _ := ctx.Value(userKey).(string)
	return uid
}
