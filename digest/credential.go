package digest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
)

// CredentialCap is the maximum password length in bytes.
const CredentialCap = 64

// ErrCredentialTooLong is returned when a password does not fit in a Credential.
var ErrCredentialTooLong = fmt.Errorf("digest: password longer than %d bytes", CredentialCap)

var errEmptyCredential = errors.New("digest: empty password")

// Credential holds the administrative password in a fixed size buffer.
// It is safe for concurrent use.
type Credential struct {
	mu  sync.RWMutex
	buf [CredentialCap]byte
	n   int
}

// Set replaces the password. The previous password is kept on error.
func (c *Credential) Set(password string) error {
	if len(password) > CredentialCap {
		return ErrCredentialTooLong
	}
	if password == "" {
		return errEmptyCredential
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = [CredentialCap]byte{}
	c.n = copy(c.buf[:], password)
	return nil
}

// LoadFile sets the password from the contents of the file at path.
// Surrounding white space and control bytes are dropped.
func (c *Credential) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	b = bytes.TrimFunc(b, func(r rune) bool { return r <= ' ' || r == 0x7f })
	if err := c.Set(string(b)); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// SaveFile writes the password to path readable only by the owner.
func (c *Credential) SaveFile(path string) error {
	c.mu.RLock()
	pw := append([]byte(nil), c.buf[:c.n]...)
	c.mu.RUnlock()
	return os.WriteFile(path, append(pw, '\n'), 0o600)
}

// Len returns the password length.
func (c *Credential) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.n
}

// with calls fn with the password bytes while holding the read lock.
func (c *Credential) with(fn func(pw []byte)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.buf[:c.n])
}

// Response computes the digest response for the stored password.
func (c *Credential) Response(username, method, uri, nonce, nc, cnonce string) (resp string) {
	c.with(func(pw []byte) {
		resp = response(username, pw, method, uri, nonce, nc, cnonce)
	})
	return resp
}
