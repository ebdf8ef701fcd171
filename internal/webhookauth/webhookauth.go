// Package webhookauth validates that inbound reports actually originate from
// the claimed agent or integration. Pure validation; no side effects.
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// Reason is a typed rejection cause, logged and mapped to 401/403 by callers
type Reason string

const (
	ReasonMissingSignature Reason = "missing_signature"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonUnknownSource    Reason = "unknown_source"
	ReasonExpiredWindow    Reason = "expired_window"
	// ReasonUnauthenticated flags an endpoint whose secret was never
	// configured. Missing configuration is a hard rejection, never a pass.
	ReasonUnauthenticated Reason = "unauthenticated_endpoint"
)

// Error is an authentication rejection with a typed reason
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("webhook authentication rejected: %s", e.Reason)
}

func reject(reason Reason) error {
	return &Error{Reason: reason}
}

// SignBody computes the hex HMAC-SHA256 of body under secret
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex-encoded HMAC-SHA256 signature over the raw request
// body in constant time.
func VerifyHMAC(secret, body []byte, signatureHex string) error {
	if len(secret) == 0 {
		return reject(ReasonUnauthenticated)
	}
	if signatureHex == "" {
		return reject(ReasonMissingSignature)
	}

	expected := SignBody(secret, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signatureHex)) != 1 {
		return reject(ReasonBadSignature)
	}
	return nil
}

// Rotating per-stream secrets. The secret for a stream is a deterministic
// function of (stream id, time bucket); validation checks the current bucket
// and a small fixed number of prior ones to tolerate agent restarts and
// delivery delay. This bounds the lookup to tokenWindow candidates instead
// of scanning hours of historical keys.
const (
	tokenBucket = 5 * time.Minute
	tokenWindow = 3
)

// StreamToken derives the rotating secret for a stream at a point in time
func StreamToken(appSecret string, streamID int64, at time.Time) string {
	bucket := at.Unix() / int64(tokenBucket.Seconds())
	return streamTokenAtBucket(appSecret, streamID, bucket)
}

func streamTokenAtBucket(appSecret string, streamID int64, bucket int64) string {
	payload := fmt.Sprintf("stream:%d:%d", streamID, bucket)
	return SignBody([]byte(appSecret), []byte(payload))
}

// VerifyStreamToken validates a rotating per-stream token against the
// current bucket and the previous tokenWindow-1 buckets.
func VerifyStreamToken(appSecret string, streamID int64, token string, now time.Time) error {
	if appSecret == "" {
		return reject(ReasonUnauthenticated)
	}
	if token == "" {
		return reject(ReasonMissingSignature)
	}

	bucket := now.Unix() / int64(tokenBucket.Seconds())
	matched := false
	for i := int64(0); i < tokenWindow; i++ {
		candidate := streamTokenAtBucket(appSecret, streamID, bucket-i)
		// Compare every candidate so timing does not reveal which bucket hit
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			matched = true
		}
	}
	if !matched {
		return reject(ReasonExpiredWindow)
	}
	return nil
}

// VpsToken derives the stats-push token for a VPS: HMAC over its id under
// the application secret, sent in X-Auth-Token.
func VpsToken(appSecret string, vpsID int64) string {
	return SignBody([]byte(appSecret), []byte(fmt.Sprintf("vps:%d", vpsID)))
}

// VerifyVpsToken validates the stats-push token
func VerifyVpsToken(appSecret string, vpsID int64, token string) error {
	if appSecret == "" {
		return reject(ReasonUnauthenticated)
	}
	if token == "" {
		return reject(ReasonMissingSignature)
	}
	expected := VpsToken(appSecret, vpsID)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return reject(ReasonBadSignature)
	}
	return nil
}
