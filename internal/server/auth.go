package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
)

// MsgUnauthorized is returned to callers without sufficient privilege.
const MsgUnauthorized = "You must be logged in with admin privileges"

var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Claims are the accountability claims the console signs into its tokens.
type Claims struct {
	Admin bool   `json:"admin"`
	App   bool   `json:"app"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Accountability describes the caller of a request.
type Accountability struct {
	User  string
	Role  string
	Admin bool
	App   bool
}

// Authorizer verifies accountability tokens and decides access.
type Authorizer struct {
	secret     []byte
	extraRoles []string
	logger     logging.Logger
}

func NewAuthorizer(secret string, additionalRoleIDs []string, logger logging.Logger) *Authorizer {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Authorizer{
		secret:     []byte(secret),
		extraRoles: additionalRoleIDs,
		logger:     logger.With(logging.Field{Key: "component", Value: "auth"}),
	}
}

// Allowed reports whether acc may use the proxy: administrators, or
// app-access callers whose role is allow-listed.
func (a *Authorizer) Allowed(acc *Accountability) bool {
	if acc == nil {
		return false
	}
	if acc.Admin {
		return true
	}
	return acc.App && acc.Role != "" && slices.Contains(a.extraRoles, acc.Role)
}

// IssueToken signs an accountability token. The console normally issues
// these; the proxy only needs it for tooling and tests.
func (a *Authorizer) IssueToken(acc Accountability, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errs.Configuration("jwt secret not configured")
	}
	now := time.Now()
	claims := &Claims{
		Admin: acc.Admin,
		App:   acc.App,
		Role:  acc.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.User,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns the caller it names.
func (a *Authorizer) Parse(tokenString string) (*Accountability, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	if len(a.secret) == 0 {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &Accountability{User: claims.Subject, Role: claims.Role, Admin: claims.Admin, App: claims.App}, nil
}

// tokenFromRequest reads a bearer token, falling back to the access_token
// query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("access_token")
}

type accountabilityKey struct{}

// AccountabilityFrom returns the caller attached to ctx, or nil.
func AccountabilityFrom(ctx context.Context) *Accountability {
	acc, _ := ctx.Value(accountabilityKey{}).(*Accountability)
	return acc
}

// accountability attaches the caller, if any, to the request context.
func (a *Authorizer) accountability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc, err := a.Parse(tokenFromRequest(r))
		if err != nil && !errors.Is(err, ErrNoToken) {
			a.logger.Debug("ignoring accountability token", logging.Field{Key: "error", Value: err.Error()})
		}
		if acc != nil {
			r = r.WithContext(context.WithValue(r.Context(), accountabilityKey{}, acc))
		}
		next.ServeHTTP(w, r)
	})
}

// requireAccess rejects the request before any side effect unless the
// caller is allowed.
func (a *Authorizer) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc := AccountabilityFrom(r.Context())
		if !a.Allowed(acc) {
			fields := []logging.Field{{Key: "path", Value: r.URL.Path}}
			if acc != nil {
				fields = append(fields, logging.Field{Key: "user", Value: acc.User})
			}
			a.logger.Warn("rejected unauthorized request", fields...)
			writeErr(w, errs.Unauthorized(MsgUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}
