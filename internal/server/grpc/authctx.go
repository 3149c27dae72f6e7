package grpcserver

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/lendingdesk/internal/service"
)

// Caller is the authenticated principal of a request.
type Caller struct {
	BorrowerID int64
	Role       string
}

// IsStaff reports whether the caller has the staff role.
func (c Caller) IsStaff() bool { return c.Role == service.RoleStaff }

type ctxKey string

const callerKey ctxKey = "ld.caller"

// WithCaller stores the authenticated caller in context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromCtx fetches the caller from context.
func CallerFromCtx(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

// callerFromToken extracts "authorization: Bearer <JWT>", verifies HS256 and returns sub and role.
func (s *Server) callerFromToken(ctx context.Context) (Caller, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return Caller{}, err
	}

	var claims service.Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Caller{}, errors.New("invalid token")
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Caller{}, errors.New("bad subject")
	}
	switch claims.Role {
	case service.RoleStaff, service.RoleBorrower:
	default:
		return Caller{}, errors.New("bad role")
	}
	return Caller{BorrowerID: id, Role: claims.Role}, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
