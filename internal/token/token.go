// Package token implements the capability token service: minting, validation
// and single-use consumption of signed download tokens.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"

	"github.com/shareonce/shareonce/internal/store"
)

// ErrTokenInvalid is the single externally visible token failure. Signature
// mismatch, expiry, replay and malformed payloads all collapse into it so the
// public boundary leaks no probing signal.
var ErrTokenInvalid = errors.New("invalid token")

// MinTTL is the lower clamp for token lifetimes.
const MinTTL = 60 * time.Second

const keyPrefix = "token:"

// Claims is the signed token payload. A token attests that its bearer may
// consume file_path through tunnel_id exactly once before expires_at.
type Claims struct {
	TokenID   string `json:"token_id"`
	FilePath  string `json:"file_path"`
	TunnelID  string `json:"tunnel_id"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Expired reports whether the claims are past their expiry at the given time.
func (c Claims) Expired(now time.Time) bool {
	return !now.Before(time.Unix(c.ExpiresAt, 0))
}

// Service mints and consumes capability tokens. Signatures are HMAC-SHA256
// in JWS compact serialization (header.payload.sig); single-use state lives
// in the state store under a TTL matching the token lifetime.
type Service struct {
	store  *store.Store
	secret []byte
	signer jose.Signer
	maxTTL time.Duration
	now    func() time.Time
}

// NewService creates a token service with the given signing secret.
func NewService(st *store.Store, secret []byte, maxTTL time.Duration) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes, got %d", len(secret))
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}
	return &Service{
		store:  st,
		secret: secret,
		signer: signer,
		maxTTL: maxTTL,
		now:    time.Now,
	}, nil
}

// ClampTTL bounds a requested lifetime to [MinTTL, maxTTL].
func (s *Service) ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > s.maxTTL {
		return s.maxTTL
	}
	return ttl
}

// Mint produces a signed single-use token bound to a file and tunnel.
// The TTL is clamped to [MinTTL, maxTTL].
func (s *Service) Mint(ctx context.Context, filePath string, ttl time.Duration, tunnelID string) (string, error) {
	ttl = s.ClampTTL(ttl)
	now := s.now().UTC()

	claims := Claims{
		TokenID:   uuid.NewString(),
		FilePath:  filePath,
		TunnelID:  tunnelID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	tok, err := sig.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize token: %w", err)
	}

	fields := map[string]string{
		"file_path":  filePath,
		"tunnel_id":  tunnelID,
		"consumed":   "false",
		"issued_at":  now.Format(time.RFC3339),
		"expires_at": now.Add(ttl).Format(time.RFC3339),
	}
	created, err := s.store.CreateRecord(ctx, keyPrefix+claims.TokenID, fields, ttl)
	if err != nil {
		return "", fmt.Errorf("failed to persist token record: %w", err)
	}
	if !created {
		// UUID collision; practically unreachable
		return "", fmt.Errorf("token id collision for %s", claims.TokenID)
	}

	slog.Info("Minted token", "token_id", claims.TokenID, "file_path", filePath, "tunnel_id", tunnelID, "ttl", ttl)
	return tok, nil
}

// Peek verifies signature and expiry without consuming the token.
func (s *Service) Peek(tok string) (Claims, error) {
	return s.parseAndVerify(tok)
}

// ValidateAndConsume verifies a token and atomically marks it consumed.
// A second successful call for the same token is impossible: the consumed
// flag transitions false -> true via store compare-and-set.
func (s *Service) ValidateAndConsume(ctx context.Context, tok string) (Claims, error) {
	claims, err := s.parseAndVerify(tok)
	if err != nil {
		return Claims{}, err
	}

	err = s.store.CompareAndSwapField(ctx, keyPrefix+claims.TokenID, "consumed", "false", "true")
	switch {
	case err == nil:
		slog.Info("Consumed token", "token_id", claims.TokenID, "tunnel_id", claims.TunnelID)
		return claims, nil
	case errors.Is(err, store.ErrCASFailed):
		slog.Warn("Token replay rejected", "token_id", claims.TokenID)
		return Claims{}, ErrTokenInvalid
	case errors.Is(err, store.ErrNotFound):
		// Record expired from the store even though the signature is valid
		return Claims{}, ErrTokenInvalid
	default:
		return Claims{}, fmt.Errorf("failed to consume token: %w", err)
	}
}

func (s *Service) parseAndVerify(tok string) (Claims, error) {
	obj, err := jose.ParseSigned(tok)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	payload, err := obj.Verify(s.secret)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if claims.TokenID == "" || claims.Expired(s.now()) {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}

// SweepExpired removes consumed token records whose expiry has passed.
// Store TTLs already reclaim unconsumed tokens; this sweep exists so the
// cleanup endpoint can report what it dropped.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.store.KeysByPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}

	now := s.now()
	cleaned := 0
	for _, key := range keys {
		fields, err := s.store.GetRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return cleaned, err
		}
		expiresAt, err := time.Parse(time.RFC3339, fields["expires_at"])
		if err != nil {
			continue
		}
		if fields["consumed"] == "true" && now.After(expiresAt) {
			if err := s.store.Delete(ctx, key); err != nil {
				return cleaned, err
			}
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Info("Swept expired tokens", "count", cleaned)
	}
	return cleaned, nil
}
