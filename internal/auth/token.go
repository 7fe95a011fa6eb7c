// Package auth reads the session token that identifies the user and their
// workspace to the sync server.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("invalid session token")

// TokenError describes why a token was rejected. It matches ErrInvalidToken
// under errors.Is.
type TokenError struct {
	Code    string
	Message string
}

func (e *TokenError) Error() string {
	return e.Message
}

func (e *TokenError) Is(target error) bool {
	return target == ErrInvalidToken
}

type Claims struct {
	UserID      string
	Email       string
	Role        string
	WorkspaceID string
	// Exp is the expiry in unix seconds; zero means the token carries none.
	Exp int64
}

func (c Claims) Expired(now time.Time) bool {
	return c.Exp > 0 && now.Unix() >= c.Exp
}

// ParseBearer accepts an Authorization header value.
func ParseBearer(authHeader, secret string, now time.Time) (Claims, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, &TokenError{Code: "unauthorized", Message: "missing or invalid bearer token"}
	}
	return ParseToken(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), secret, now)
}

// ParseToken decodes an HS256 JWT. The signature is checked only when
// secret is non-empty; clients hold no secret and trust the server to
// reject forged tokens.
func ParseToken(raw, secret string, now time.Time) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return Claims{}, &TokenError{Code: "malformed", Message: "invalid jwt format"}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, &TokenError{Code: "malformed", Message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Claims{}, &TokenError{Code: "malformed", Message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return Claims{}, &TokenError{Code: "unsupported", Message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, &TokenError{Code: "malformed", Message: "invalid jwt payload"}
	}

	if secret != "" {
		sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
		if err != nil {
			return Claims{}, &TokenError{Code: "malformed", Message: "invalid jwt signature"}
		}
		if !hmac.Equal(sigBytes, sign(parts[0]+"."+parts[1], secret)) {
			return Claims{}, &TokenError{Code: "signature", Message: "jwt signature mismatch"}
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Claims{}, &TokenError{Code: "malformed", Message: "invalid jwt payload"}
	}

	userID, ok := payload["sub"].(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return Claims{}, &TokenError{Code: "claims", Message: "missing sub claim"}
	}
	workspaceID, ok := payload["workspace_id"].(string)
	if !ok || strings.TrimSpace(workspaceID) == "" {
		return Claims{}, &TokenError{Code: "claims", Message: "missing workspace_id claim"}
	}
	claims := Claims{
		UserID:      userID,
		WorkspaceID: workspaceID,
	}
	claims.Email, _ = payload["email"].(string)
	claims.Role, _ = payload["role"].(string)

	if rawExp, present := payload["exp"]; present {
		exp, err := parseExp(rawExp)
		if err != nil {
			return Claims{}, &TokenError{Code: "claims", Message: "invalid exp claim"}
		}
		claims.Exp = exp
	}
	if claims.Expired(now) {
		return Claims{}, &TokenError{Code: "expired", Message: "token expired"}
	}
	return claims, nil
}

// IssueToken signs claims as an HS256 JWT.
func IssueToken(claims Claims, secret string) (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"sub":          claims.UserID,
		"workspace_id": claims.WorkspaceID,
	}
	if claims.Email != "" {
		body["email"] = claims.Email
	}
	if claims.Role != "" {
		body["role"] = claims.Role
	}
	if claims.Exp > 0 {
		body["exp"] = claims.Exp
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sign(signingInput, secret)), nil
}

func sign(input, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(input))
	return mac.Sum(nil)
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
