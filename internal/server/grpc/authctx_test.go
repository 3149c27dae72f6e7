package grpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/lendingdesk/internal/service"
)

func makeJWT(t *testing.T, sub, role string, key []byte, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := service.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(iat),
			NotBefore: jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func ctxWithAuth(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

func TestWithCaller_And_CallerFromCtx(t *testing.T) {
	t.Parallel()

	if _, ok := CallerFromCtx(context.Background()); ok {
		t.Fatalf("expected no caller in empty ctx")
	}
	want := Caller{BorrowerID: 9, Role: service.RoleStaff}
	got, ok := CallerFromCtx(WithCaller(context.Background(), want))
	if !ok || got != want || !got.IsStaff() {
		t.Fatalf("caller mismatch: %+v ok=%v", got, ok)
	}

	bad := context.WithValue(context.Background(), callerKey, "not-a-caller")
	if _, ok := CallerFromCtx(bad); ok {
		t.Fatalf("expected miss on wrong typed value")
	}
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}
	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}
	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}

func Test_callerFromToken(t *testing.T) {
	t.Parallel()
	s := &Server{signKey: []byte("secret")}
	now := time.Now().UTC()

	c, err := s.callerFromToken(ctxWithAuth(makeJWT(t, "42", service.RoleBorrower, s.signKey, jwt.SigningMethodHS256, now.Add(-time.Minute), 10*time.Minute)))
	if err != nil || c.BorrowerID != 42 || c.IsStaff() {
		t.Fatalf("valid token: %+v err=%v", c, err)
	}

	cases := map[string]string{
		"expired":     makeJWT(t, "42", service.RoleBorrower, s.signKey, jwt.SigningMethodHS256, now.Add(-2*time.Hour), time.Hour),
		"wrong alg":   makeJWT(t, "42", service.RoleBorrower, s.signKey, jwt.SigningMethodHS384, now, time.Hour),
		"wrong key":   makeJWT(t, "42", service.RoleBorrower, []byte("other"), jwt.SigningMethodHS256, now, time.Hour),
		"bad subject": makeJWT(t, "alice", service.RoleBorrower, s.signKey, jwt.SigningMethodHS256, now, time.Hour),
		"zero id":     makeJWT(t, "0", service.RoleBorrower, s.signKey, jwt.SigningMethodHS256, now, time.Hour),
		"bad role":    makeJWT(t, "42", "admin", s.signKey, jwt.SigningMethodHS256, now, time.Hour),
	}
	for name, tok := range cases {
		if _, err := s.callerFromToken(ctxWithAuth(tok)); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
	if _, err := s.callerFromToken(context.Background()); err == nil {
		t.Fatalf("want error on missing metadata")
	}
}
