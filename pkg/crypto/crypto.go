// Package crypto provides the auth challenge primitives.
//
// The handshake is a fixed digest chain: the server stores (or derives)
// a per-user secret, sends a random challenge, and the client answers
// with hash(secret || challenge). All sizes are fixed.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/openjam/jamd/pkg/protocol"
)

// SecretSize is the byte size of a user secret and of an auth response.
const SecretSize = sha256.Size

// GenerateChallenge generates a random auth challenge.
func GenerateChallenge() ([]byte, error) {
	b := make([]byte, protocol.ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("crypto: generate challenge: %w", err)
	}
	return b, nil
}

// UserSecret derives the stored verification material for a user from
// their plaintext credentials. Clients derive the same value locally, so
// the password never crosses the wire.
func UserSecret(username, password string) []byte {
	h := sha256.Sum256([]byte(username + ":" + password))
	return h[:]
}

// AuthResponse computes the expected answer to a challenge.
func AuthResponse(secret, challenge []byte) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write(challenge)
	return h.Sum(nil)
}

// VerifyResponse reports whether a supplied response answers the
// challenge for the given secret. Constant time.
func VerifyResponse(secret, challenge, supplied []byte) bool {
	want := AuthResponse(secret, challenge)
	return subtle.ConstantTimeCompare(want, supplied) == 1
}
