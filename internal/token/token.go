// Package token mints and verifies short-lived subscription tokens. A token
// binds a channel, a set of allowed topics and an expiry instant, and only
// ever grants read/subscribe access.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrExpired   = errors.New("subscription token expired")
	ErrMalformed = errors.New("malformed subscription token")
	ErrSignature = errors.New("subscription token signature mismatch")
)

// Claims is what a verified token grants.
type Claims struct {
	Channel string
	Topics  []string
	Expiry  time.Time
}

// AllowsTopic reports whether the token grants the given topic.
func (c Claims) AllowsTopic(topic string) bool {
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

type wireToken struct {
	Channel string   `json:"channel"`
	Topics  []string `json:"topics"`
	Exp     int64    `json:"exp"`
	Sig     string   `json:"sig"`
}

// Mint issues a token for the channel/topics that expires after ttl. The
// signature covers channel, topics and expiry so a tampered expiry fails
// verification.
func Mint(secret []byte, chann string, topics []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("missing token secret")
	}
	if strings.TrimSpace(chann) == "" {
		return "", errors.New("missing channel")
	}
	if len(topics) == 0 {
		return "", errors.New("missing topics")
	}
	exp := time.Now().Add(ttl).UnixMilli()
	wire := wireToken{
		Channel: chann,
		Topics:  append([]string(nil), topics...),
		Exp:     exp,
		Sig:     sign(secret, chann, topics, exp),
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Verify decodes and validates a token. It rejects malformed encodings,
// expired tokens and any token whose signature does not match its contents.
func Verify(secret []byte, raw string) (Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return Claims{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	b, err := decodeBase64(raw)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var wire wireToken
	if err := json.Unmarshal(b, &wire); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Channel == "" || len(wire.Topics) == 0 || wire.Exp == 0 {
		return Claims{}, fmt.Errorf("%w: missing fields", ErrMalformed)
	}
	expected := sign(secret, wire.Channel, wire.Topics, wire.Exp)
	if !hmac.Equal([]byte(expected), []byte(wire.Sig)) {
		return Claims{}, ErrSignature
	}
	expiry := time.UnixMilli(wire.Exp)
	if time.Now().After(expiry) {
		return Claims{}, ErrExpired
	}
	return Claims{
		Channel: wire.Channel,
		Topics:  wire.Topics,
		Expiry:  expiry.UTC(),
	}, nil
}

func decodeBase64(raw string) ([]byte, error) {
	// Browser clients historically sent standard-padded base64; accept both.
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(raw)
}

func sign(secret []byte, chann string, topics []string, exp int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%d", chann, strings.Join(topics, ","), exp)
	return hex.EncodeToString(mac.Sum(nil))
}
