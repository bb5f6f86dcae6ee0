// Package digest checks HTTP Digest (RFC 7616 style) Authorization headers
// using SHA-256 against a single stored password.
package digest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/exp/slog"
)

// Fixed protocol parameters.
const (
	Realm     = "user@webui.org"
	QOP       = "auth"
	Algorithm = "SHA-256"
	// MaxPairs bounds the number of key=value pairs parsed from a header.
	MaxPairs = 20

	scheme      = "Digest"
	responseLen = 2 * sha256.Size
)

var (
	errNoScheme      = errors.New("missing Digest scheme")
	errBadRealm      = errors.New("bad realm")
	errBadQOP        = errors.New("bad qop")
	errBadAlgorithm  = errors.New("bad algorithm")
	errResponseLen   = errors.New("response has wrong length")
	errBadResponse   = errors.New("response mismatch")
	errNilCredential = errors.New("digest: nil credential")
)

// Params are the recognized fields of a Digest Authorization header.
type Params struct {
	Username string
	Response string
	Nonce    string
	CNonce   string
	NC       string
	URI      string
}

// Authenticator validates Authorization headers against a Credential.
type Authenticator struct {
	cred *Credential
	log  *slog.Logger
}

// New returns an Authenticator for cred. A nil logger discards.
func New(cred *Credential, logger *slog.Logger) (*Authenticator, error) {
	if cred == nil {
		return nil, errNilCredential
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Authenticator{cred: cred, log: logger}, nil
}

// CheckAuthorization returns the username of a valid Digest header for a
// request with the given method. ok is false on any failure.
func (a *Authenticator) CheckAuthorization(method, header string) (username string, ok bool) {
	p, err := a.parse(header)
	if err != nil {
		a.log.Warn("digest:rejected", slog.String("err", err.Error()))
		return "", false
	}
	expected := a.cred.Response(p.Username, method, p.URI, p.Nonce, p.NC, p.CNonce)
	// Early exit compare, not constant time.
	if expected != p.Response {
		a.log.Warn("digest:rejected", slog.String("user", p.Username), slog.String("err", errBadResponse.Error()))
		return "", false
	}
	return p.Username, true
}

// ParseHeader parses a Digest Authorization header value. It enforces the
// fixed realm, qop and algorithm and the response length.
func ParseHeader(header string) (Params, error) {
	return (&Authenticator{log: slog.New(slog.NewTextHandler(io.Discard, nil))}).parse(header)
}

func (a *Authenticator) parse(header string) (p Params, err error) {
	header = strings.TrimLeft(header, " ")
	word, rest, _ := strings.Cut(header, " ")
	if word != scheme {
		return p, errNoScheme
	}
	for i := 0; rest != "" && i < MaxPairs; i++ {
		var pair string
		pair, rest, _ = strings.Cut(rest, ",")
		key, value, _ := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))
		switch key {
		case "username":
			p.Username = value
		case "realm":
			if value != Realm {
				return p, fmt.Errorf("%w %q", errBadRealm, value)
			}
		case "qop":
			if value != QOP {
				return p, fmt.Errorf("%w %q", errBadQOP, value)
			}
		case "algorithm":
			if value != Algorithm {
				return p, fmt.Errorf("%w %q", errBadAlgorithm, value)
			}
		case "response":
			p.Response = value
		case "nonce":
			p.Nonce = value
		case "cnonce":
			p.CNonce = value
		case "nc":
			p.NC = value
		case "uri":
			p.URI = value
		default:
			a.log.Debug("digest:unknown-key", slog.String("key", key))
		}
	}
	if len(p.Response) != responseLen {
		return p, fmt.Errorf("%w %d", errResponseLen, len(p.Response))
	}
	return p, nil
}

func unquote(s string) string {
	s = strings.TrimPrefix(s, `"`)
	return strings.TrimSuffix(s, `"`)
}

// Response computes the lowercase hex digest a client must send for the given parameters.
func Response(username, password, method, uri, nonce, nc, cnonce string) string {
	return response(username, []byte(password), method, uri, nonce, nc, cnonce)
}

func response(username string, password []byte, method, uri, nonce, nc, cnonce string) string {
	h := sha256.New()
	io.WriteString(h, username+":"+Realm+":")
	h.Write(password)
	h1 := hex.EncodeToString(h.Sum(nil))

	h.Reset()
	io.WriteString(h, method+":"+uri)
	h2 := hex.EncodeToString(h.Sum(nil))

	h.Reset()
	io.WriteString(h, h1+":"+nonce+":"+nc+":"+cnonce+":"+QOP+":"+h2)
	return hex.EncodeToString(h.Sum(nil))
}

// NewNonce returns 16 random bytes in hex.
func NewNonce() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce[:]), nil
}

// Challenge returns a WWW-Authenticate header value with a fresh random nonce.
func Challenge() (string, error) {
	nonce, err := NewNonce()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s realm="%s", qop="%s", algorithm=%s, nonce="%s"`,
		scheme, Realm, QOP, Algorithm, nonce), nil
}
