package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const defaultCookieSecretLength = 32

// cookieJar derives stateless SYN cookies from the peer address.
type cookieJar struct {
	secret []byte
}

// newCookieJar uses secret as the BLAKE2b key, or 32 random bytes when it is empty.
func newCookieJar(secret []byte) (*cookieJar, error) {
	if len(secret) > blake2b.Size {
		return nil, fmt.Errorf("cookie secret is %d bytes, at most %d allowed", len(secret), blake2b.Size)
	}
	if len(secret) == 0 {
		secret = make([]byte, defaultCookieSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate cookie secret: %w", err)
		}
	}
	return &cookieJar{secret: append([]byte(nil), secret...)}, nil
}

// cookie is the initial sequence number the listener answers key's SYN with.
func (c *cookieJar) cookie(key string) uint64 {
	h, err := blake2b.New256(c.secret)
	if err != nil {
		// key length is checked in newCookieJar
		panic(err)
	}
	h.Write([]byte(key))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8]) & cookieMask
}
