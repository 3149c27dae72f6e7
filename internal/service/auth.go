// Package service contains the lending desk application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/lendingdesk/internal/crypto"
	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/model"
	"github.com/and161185/lendingdesk/internal/repository"
)

// Access token roles.
const (
	RoleStaff    = "staff"
	RoleBorrower = "borrower"
)

// Claims is the access token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthService defines borrower registration and login.
type AuthService interface {
	// Register creates a borrower with a hashed desk secret.
	Register(ctx context.Context, key, secret string, isStaff bool) (borrowerID int64, err error)
	// Login verifies the credential and issues an access token.
	Login(ctx context.Context, key, secret string) (tokens model.Tokens, b model.Borrower, err error)
}

type AuthServiceImpl struct {
	borrowers repository.BorrowerDirectory
	signKey   []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(borrowers repository.BorrowerDirectory, signKey []byte, accessTTL time.Duration) *AuthServiceImpl {
	return &AuthServiceImpl{borrowers: borrowers, signKey: signKey, accessTTL: accessTTL, now: time.Now}
}

// Register creates a new borrower record with a per-borrower salt.
func (s *AuthServiceImpl) Register(ctx context.Context, key, secret string, isStaff bool) (int64, error) {
	if key == "" || secret == "" {
		return 0, fmt.Errorf("%w: empty credential key/secret", errs.ErrValidation)
	}
	hash, salt, err := pkgcrypto.NewSecretHash(secret)
	if err != nil {
		return 0, err
	}
	return s.borrowers.Create(ctx, &model.Borrower{
		CredentialKey: key,
		SecretHash:    hash,
		Salt:          salt,
		IsStaff:       isStaff,
	})
}

// Login authenticates by credential key and secret.
func (s *AuthServiceImpl) Login(ctx context.Context, key, secret string) (model.Tokens, model.Borrower, error) {
	b, err := s.borrowers.GetBorrowerByCredentialKey(ctx, key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// hide existence of the key
			return model.Tokens{}, model.Borrower{}, errs.ErrUnauthorized
		}
		return model.Tokens{}, model.Borrower{}, err
	}
	if !s.borrowers.VerifyCredential(b, secret) {
		return model.Tokens{}, model.Borrower{}, errs.ErrUnauthorized
	}

	role := RoleBorrower
	if b.IsStaff {
		role = RoleStaff
	}
	access, exp, err := s.issueAccessToken(b.ID, role)
	if err != nil {
		return model.Tokens{}, model.Borrower{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *b, nil
}

// issueAccessToken creates a signed HS256 JWT for the given borrower.
func (s *AuthServiceImpl) issueAccessToken(borrowerID int64, role string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(borrowerID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}
