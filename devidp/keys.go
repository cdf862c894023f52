package devidp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// signingKeys holds the RSA key tokens are signed with. Keys live only in
// memory: a restart invalidates every issued token, which is fine for local
// development.
type signingKeys struct {
	mu   sync.RWMutex
	key  *rsa.PrivateKey
	jwk  jose.JSONWebKey
	kid  string
	prev []jose.JSONWebKey
}

func newSigningKeys() (*signingKeys, error) {
	k := &signingKeys{}
	if err := k.rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *signingKeys) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	k.mu.RLock()
	defer k.mu.RUnlock()
	token.Header["kid"] = k.kid
	return token.SignedString(k.key)
}

// publicJWKS exposes the current key and the one before it.
func (k *signingKeys) publicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := []jose.JSONWebKey{k.jwk.Public()}
	keys = append(keys, k.prev...)
	return jose.JSONWebKeySet{Keys: keys}
}

func (k *signingKeys) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	kid := hex.EncodeToString(buf)

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil {
		k.prev = []jose.JSONWebKey{k.jwk.Public()}
	}
	k.key = key
	k.kid = kid
	k.jwk = jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	return nil
}
