package auth

import (
	"crypto/subtle"
)

// SchedulerSecretHeader carries the shared scheduler secret
const SchedulerSecretHeader = "X-Billrun-Scheduler-Secret"

// SecretVerifier checks the shared scheduler secret
type SecretVerifier struct {
	secret []byte
}

// NewSecretVerifier creates a verifier. An empty secret rejects every request.
func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured
func (v *SecretVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify compares presented against the configured secret in constant time
func (v *SecretVerifier) Verify(presented string) (Caller, error) {
	if !v.Enabled() || presented == "" {
		return Caller{}, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(presented), v.secret) != 1 {
		return Caller{}, ErrUnauthenticated
	}
	return SchedulerCaller(), nil
}
