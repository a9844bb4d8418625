package identity

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

func (k *rsaPublicKeyInfo) publicKey() *rsa.PublicKey {
	return &rsa.PublicKey{N: k.n, E: k.e}
}

// decodeRSAKey parses a JWK's base64url-encoded modulus/exponent into an
// rsa.PublicKey-shaped pair.
func decodeRSAKey(k jwksKey) (*rsaPublicKeyInfo, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		e = 65537
	}
	return &rsaPublicKeyInfo{n: n, e: e}, nil
}
