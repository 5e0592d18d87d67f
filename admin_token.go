package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const AdminRole = "admin"

var ErrNotAdmin = errors.New("token does not carry the admin role")

type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokenIssuer signs and checks the HS256 bearer tokens of the admin surface.
type AdminTokenIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAdminTokenIssuer(secret string, issuer string) (*AdminTokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("admin jwt secret must be at least 32 bytes")
	}
	if issuer == "" {
		issuer = defaultAdminIssuer
	}
	return &AdminTokenIssuer{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

func (a *AdminTokenIssuer) CreateToken(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := AdminClaims{
		Role: AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AdminTokenIssuer) Verify(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid admin token")
	}
	if !claims.VerifyIssuer(a.issuer, true) {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.Role != AdminRole {
		return nil, ErrNotAdmin
	}
	return claims, nil
}

// bearerToken reads the token from the Authorization header, or from the token query
// parameter for EventSource clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func requireAdmin(issuer *AdminTokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				respondWithErr(w, http.StatusUnauthorized, "error:unauthorized", "missing admin token", nil)
				return
			}
			claims, err := issuer.Verify(token)
			if err != nil {
				respondWithErr(w, http.StatusUnauthorized, "error:unauthorized", "invalid admin token", err)
				return
			}
			slog.Debug("Admin request authorized", "subject", claims.Subject, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}
