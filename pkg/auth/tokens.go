package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Principal is an authenticated identity: who the caller is and what they
// may do.  Every session and every authenticated RPC call carries one.
type Principal struct {
	UserID      string    `json:"userId"`
	Permissions []string  `json:"permissions"`
	TokenID     string    `json:"tokenId,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// FailureKind classifies why a credential was refused.
type FailureKind string

const (
	FailureExpired          FailureKind = "expired"
	FailureInvalidSignature FailureKind = "invalid_signature"
	FailureRevoked          FailureKind = "revoked"
	FailureMalformed        FailureKind = "malformed"
	FailureNotFound         FailureKind = "not_found"
	FailureDisabledMethod   FailureKind = "disabled_method"
)

// AuthFailure is the typed rejection a validator produces.  Detail is safe
// to log but never leaves the process.
type AuthFailure struct {
	Kind   FailureKind
	Detail string
}

func (f *AuthFailure) Error() string {
	return fmt.Sprintf("auth failure (%s): %s", f.Kind, f.Detail)
}

func failure(kind FailureKind, format string, args ...any) *AuthFailure {
	return &AuthFailure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// API keys look like "aw_live_<64 hex chars>": prefix, environment, secret.
var apiKeyPattern = regexp.MustCompile(`^[a-z0-9]+_[a-z0-9]+_[0-9a-f]{64}$`)

// LooksLikeAPIKey reports whether the credential has API-key shape, which
// routes it away from JWT parsing.
func LooksLikeAPIKey(credential string) bool {
	return apiKeyPattern.MatchString(credential)
}

// ValidatorConfig wires the TokenValidator to its key material.
type ValidatorConfig struct {
	// Secret signs and verifies bearer tokens (HS256)
	Secret []byte
	// Issuer and Audience are enforced on every bearer token
	Issuer   string
	Audience string
	// BearerTTL bounds tokens minted through IssueToken
	BearerTTL time.Duration
	// DisableBearer / DisableAPIKeys switch off a credential method entirely
	DisableBearer  bool
	DisableAPIKeys bool
}

/*
TokenValidator turns a presented credential into a Principal.  Two methods
are understood: signed bearer tokens (issuer, audience, expiry and a
revocation set are all enforced) and API keys (stored as SHA-256 digests,
compared in constant time).
*/
type TokenValidator struct {
	mu      sync.RWMutex
	cfg     ValidatorConfig
	revoked map[string]bool
	apiKeys []*apiKeyRecord
}

type apiKeyRecord struct {
	digest      []byte
	userID      string
	permissions []string
	expiresAt   time.Time
	disabled    bool
}

func NewTokenValidator(cfg ValidatorConfig) *TokenValidator {
	if cfg.BearerTTL <= 0 {
		cfg.BearerTTL = time.Hour
	}

	return &TokenValidator{
		cfg:     cfg,
		revoked: make(map[string]bool),
	}
}

/*
Validate authenticates a credential and returns its principal.  The
credential's shape picks the method; everything that goes wrong maps onto a
FailureKind so the gate can answer without leaking which part failed to the
wire.
*/
func (tv *TokenValidator) Validate(credential string) (*Principal, *AuthFailure) {
	if credential == "" {
		return nil, failure(FailureMalformed, "empty credential")
	}

	if LooksLikeAPIKey(credential) {
		return tv.validateAPIKey(credential)
	}

	return tv.validateBearer(credential)
}

func (tv *TokenValidator) validateBearer(credential string) (*Principal, *AuthFailure) {
	if tv.cfg.DisableBearer {
		return nil, failure(FailureDisabledMethod, "bearer tokens are disabled")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tv.cfg.Issuer),
		jwt.WithAudience(tv.cfg.Audience),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.Parse(credential, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tv.cfg.Secret, nil
	})

	if err != nil {
		return nil, classifyJWTError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, failure(FailureMalformed, "unexpected claims shape")
	}

	tokenID, _ := claims["jti"].(string)
	if tokenID != "" && tv.isRevoked(tokenID) {
		return nil, failure(FailureRevoked, "token %s is revoked", tokenID)
	}

	userID, _ := claims["sub"].(string)
	if userID == "" {
		return nil, failure(FailureMalformed, "missing sub claim")
	}

	principal := &Principal{
		UserID:      userID,
		Permissions: claimStrings(claims["permissions"]),
		TokenID:     tokenID,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		principal.ExpiresAt = exp.Time
	}

	return principal, nil
}

func (tv *TokenValidator) validateAPIKey(credential string) (*Principal, *AuthFailure) {
	if tv.cfg.DisableAPIKeys {
		return nil, failure(FailureDisabledMethod, "api keys are disabled")
	}

	digest := sha256.Sum256([]byte(credential))

	tv.mu.RLock()
	defer tv.mu.RUnlock()

	// Linear scan with constant-time digest compares; the key set is small
	// and timing stays independent of how close a guess got.
	for _, record := range tv.apiKeys {
		if subtle.ConstantTimeCompare(digest[:], record.digest) != 1 {
			continue
		}

		if record.disabled {
			return nil, failure(FailureRevoked, "api key for %s is disabled", record.userID)
		}
		if !record.expiresAt.IsZero() && time.Now().After(record.expiresAt) {
			return nil, failure(FailureExpired, "api key for %s expired", record.userID)
		}

		return &Principal{
			UserID:      record.userID,
			Permissions: append([]string(nil), record.permissions...),
			ExpiresAt:   record.expiresAt,
		}, nil
	}

	return nil, failure(FailureNotFound, "unknown api key")
}

/*
IssueToken mints a bearer token for userID carrying the permission set, for
the auth handshake of locally managed identities.  The returned token
validates against this validator until ttl passes or the jti is revoked.
*/
func (tv *TokenValidator) IssueToken(userID string, permissions []string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":         userID,
		"iss":         tv.cfg.Issuer,
		"aud":         tv.cfg.Audience,
		"iat":         now.Unix(),
		"exp":         now.Add(tv.cfg.BearerTTL).Unix(),
		"jti":         uuid.NewString(),
		"permissions": permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tv.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Revoke adds a bearer token's jti to the revocation set.
func (tv *TokenValidator) Revoke(tokenID string) {
	tv.mu.Lock()
	tv.revoked[tokenID] = true
	tv.mu.Unlock()
}

func (tv *TokenValidator) isRevoked(tokenID string) bool {
	tv.mu.RLock()
	defer tv.mu.RUnlock()
	return tv.revoked[tokenID]
}

/*
RegisterAPIKey mints a fresh API key bound to userID and stores only its
digest.  The cleartext key is returned exactly once; prefix and env become
part of the key text (e.g. "aw", "live").
*/
func (tv *TokenValidator) RegisterAPIKey(prefix, env, userID string, permissions []string, expiresAt time.Time) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to draw key material: %w", err)
	}

	key := fmt.Sprintf("%s_%s_%s", prefix, env, hex.EncodeToString(secret))
	if !LooksLikeAPIKey(key) {
		return "", fmt.Errorf("prefix or env produce an invalid key shape")
	}

	digest := sha256.Sum256([]byte(key))

	tv.mu.Lock()
	tv.apiKeys = append(tv.apiKeys, &apiKeyRecord{
		digest:      digest[:],
		userID:      userID,
		permissions: append([]string(nil), permissions...),
		expiresAt:   expiresAt,
	})
	tv.mu.Unlock()

	return key, nil
}

// DisableAPIKeysFor switches off every API key bound to userID.
func (tv *TokenValidator) DisableAPIKeysFor(userID string) {
	tv.mu.Lock()
	for _, record := range tv.apiKeys {
		if record.userID == userID {
			record.disabled = true
		}
	}
	tv.mu.Unlock()
}

func classifyJWTError(err error) *AuthFailure {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return failure(FailureExpired, "token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return failure(FailureInvalidSignature, "signature rejected")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return failure(FailureInvalidSignature, "issuer or audience rejected")
	default:
		return failure(FailureMalformed, "unparseable token: %v", err)
	}
}

// claimStrings coerces the permissions claim, which decodes as []any.
func claimStrings(claim any) []string {
	items, ok := claim.([]any)
	if !ok {
		if direct, ok := claim.([]string); ok {
			return direct
		}
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
