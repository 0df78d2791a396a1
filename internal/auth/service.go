package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// TokenRepository is the persistence contract the service needs.
type TokenRepository interface {
	CreateToken(ctx context.Context, t Token) error
	GetToken(ctx context.Context, id string) (Token, error)
	RevokeToken(ctx context.Context, id string) error
}

// Service issues and verifies API tokens. Verified lookups are cached in
// redis for a short window so the bcrypt comparison is not paid on every
// request.
type Service struct {
	repo     TokenRepository
	client   *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs the token service. client may be nil.
func NewService(repo TokenRepository, client *redis.Client, cacheTTL time.Duration, logger *slog.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Service{repo: repo, client: client, cacheTTL: cacheTTL, logger: logger, clock: time.Now}
}

// Issue creates a token for memberID and returns its plaintext form
// "<id>.<secret>". The secret is never stored and cannot be recovered.
func (s *Service) Issue(ctx context.Context, memberID string, ttl time.Duration) (string, Token, error) {
	if memberID == "" {
		return "", Token{}, fmt.Errorf("auth: member id required")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", Token{}, fmt.Errorf("auth: generate secret: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(secret)
	hash, err := bcrypt.GenerateFromPassword([]byte(encoded), bcrypt.DefaultCost)
	if err != nil {
		return "", Token{}, fmt.Errorf("auth: hash secret: %w", err)
	}

	token := Token{
		ID:         uuid.NewString(),
		MemberID:   memberID,
		SecretHash: hash,
		CreatedAt:  s.clock().UTC(),
	}
	if ttl > 0 {
		expires := token.CreatedAt.Add(ttl)
		token.ExpiresAt = &expires
	}
	if err := s.repo.CreateToken(ctx, token); err != nil {
		return "", Token{}, err
	}
	return token.ID + "." + encoded, token, nil
}

// Verify resolves a presented plaintext token to the member holding it.
// Any failure collapses to ErrInvalidToken.
func (s *Service) Verify(ctx context.Context, presented string) (string, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(presented), ".")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidToken
	}

	if s.client != nil {
		cached, err := s.client.Get(ctx, verifyCacheKey(id, secret)).Result()
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && err != redis.Nil && s.logger != nil {
			s.logger.Warn("token cache read failed", slog.Any("error", err))
		}
	}

	token, err := s.repo.GetToken(ctx, id)
	if err != nil {
		return "", err
	}
	if !token.Valid(s.clock()) {
		return "", ErrInvalidToken
	}
	if bcrypt.CompareHashAndPassword(token.SecretHash, []byte(secret)) != nil {
		return "", ErrInvalidToken
	}

	if s.client != nil {
		if err := s.client.Set(ctx, verifyCacheKey(id, secret), token.MemberID, s.cacheTTL).Err(); err != nil && s.logger != nil {
			s.logger.Warn("token cache write failed", slog.Any("error", err))
		}
	}
	return token.MemberID, nil
}

// Revoke invalidates a token immediately.
func (s *Service) Revoke(ctx context.Context, id string) error {
	// Cached verifications age out within cacheTTL, so a revoked token
	// may be honoured for up to that window. Keep the TTL short.
	return s.repo.RevokeToken(ctx, id)
}

// verifyCacheKey binds the cached verdict to the exact secret presented,
// so a wrong secret can never ride on a previously cached success.
func verifyCacheKey(id, secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "auth:token:" + id + ":" + hex.EncodeToString(sum[:8])
}
