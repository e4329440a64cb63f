package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/example/freight-negotiation/internal/models"
)

var ErrUnauthenticated = errors.New("realtime: invalid credential")

// Identity is the acting party behind a connection.
type Identity struct {
	UserID string
	Role   models.Role
}

type Authenticator interface {
	Authenticate(credential string) (Identity, error)
}

// HMACAuthenticator accepts credentials of the form user:role:signature.
// Account management is external; this only proves who is connecting.
type HMACAuthenticator struct {
	secret []byte
}

func NewHMACAuthenticator(secret string) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret)}
}

func (a *HMACAuthenticator) Issue(id Identity) string {
	payload := id.UserID + ":" + string(id.Role)
	return payload + ":" + a.sign(payload)
}

func (a *HMACAuthenticator) Authenticate(credential string) (Identity, error) {
	i := strings.LastIndex(credential, ":")
	if i <= 0 {
		return Identity{}, ErrUnauthenticated
	}
	payload, sig := credential[:i], credential[i+1:]
	if !hmac.Equal([]byte(sig), []byte(a.sign(payload))) {
		return Identity{}, ErrUnauthenticated
	}
	j := strings.LastIndex(payload, ":")
	if j <= 0 {
		return Identity{}, ErrUnauthenticated
	}
	id := Identity{UserID: payload[:j], Role: models.Role(payload[j+1:])}
	if !id.Role.Valid() {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

func (a *HMACAuthenticator) sign(payload string) string {
	m := hmac.New(sha256.New, a.secret)
	m.Write([]byte(payload))
	return hex.EncodeToString(m.Sum(nil))
}
