package digest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Known answer for user u, password secret, GET /x, nonce n1, nc 00000001, cnonce c1.
const knownResponse = "77a61bf050c762d71b0bec1f06bf799e283cc18ee2e6545c73316d4028171872"

func newAuth(t *testing.T, password string) *Authenticator {
	t.Helper()
	var cred Credential
	require.NoError(t, cred.Set(password))
	a, err := New(&cred, nil)
	require.NoError(t, err)
	return a
}

func header(realm, qop, algorithm, response string) string {
	return fmt.Sprintf(`Digest username="u", realm="%s", nonce="n1", uri="/x", qop=%s, nc=00000001, cnonce="c1", response="%s", algorithm=%s`,
		realm, qop, response, algorithm)
}

func TestResponseKnownAnswer(t *testing.T) {
	require.Equal(t, knownResponse, Response("u", "secret", "GET", "/x", "n1", "00000001", "c1"))
}

func TestRoundTrip(t *testing.T) {
	a := newAuth(t, "secret")
	resp := Response("u", "secret", "GET", "/x", "n1", "00000001", "c1")
	user, ok := a.CheckAuthorization("GET", header(Realm, QOP, Algorithm, resp))
	require.True(t, ok)
	require.Equal(t, "u", user)

	// The method is part of the digest.
	_, ok = a.CheckAuthorization("PUT", header(Realm, QOP, Algorithm, resp))
	require.False(t, ok)
}

func TestFlippedDigitRejected(t *testing.T) {
	a := newAuth(t, "secret")
	const hexdigits = "0123456789abcdef"
	for i := 0; i < len(knownResponse); i++ {
		b := []byte(knownResponse)
		b[i] = hexdigits[(strings.IndexByte(hexdigits, b[i])+1)%16]
		user, ok := a.CheckAuthorization("GET", header(Realm, QOP, Algorithm, string(b)))
		require.False(t, ok, "flipped digit %d accepted", i)
		require.Empty(t, user)
	}
}

func TestFixedParametersEnforced(t *testing.T) {
	a := newAuth(t, "secret")
	testCases := []struct {
		name   string
		header string
	}{
		{"realm", header("other@webui.org", QOP, Algorithm, knownResponse)},
		{"qop", header(Realm, "auth-int", Algorithm, knownResponse)},
		{"algorithm", header(Realm, QOP, "MD5", knownResponse)},
		{"scheme", strings.Replace(header(Realm, QOP, Algorithm, knownResponse), "Digest", "Basic", 1)},
		{"short response", header(Realm, QOP, Algorithm, knownResponse[:63])},
		{"long response", header(Realm, QOP, Algorithm, knownResponse+"0")},
		{"uppercase response", header(Realm, QOP, Algorithm, strings.ToUpper(knownResponse))},
		{"empty", ""},
	}
	for _, tC := range testCases {
		t.Run(tC.name, func(t *testing.T) {
			user, ok := a.CheckAuthorization("GET", tC.header)
			require.False(t, ok)
			require.Empty(t, user)
		})
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	a := newAuth(t, "not-secret")
	_, ok := a.CheckAuthorization("GET", header(Realm, QOP, Algorithm, knownResponse))
	require.False(t, ok)
}

func TestPairCap(t *testing.T) {
	a := newAuth(t, "secret")
	var sb strings.Builder
	sb.WriteString(`Digest username="u", realm="user@webui.org", nonce="n1", uri="/x", qop=auth, nc=00000001, cnonce="c1"`)
	for i := 0; i < MaxPairs; i++ {
		fmt.Fprintf(&sb, `, x%d=y`, i)
	}
	sb.WriteString(`, response="` + knownResponse + `"`)
	_, ok := a.CheckAuthorization("GET", sb.String())
	require.False(t, ok, "pairs past the cap must not be parsed")

	// Unknown keys within the cap are skipped.
	h := header(Realm, QOP, Algorithm, knownResponse) + `, opaque="abc"`
	user, ok := a.CheckAuthorization("GET", h)
	require.True(t, ok)
	require.Equal(t, "u", user)
}

func TestEmptyPairSkipped(t *testing.T) {
	a := newAuth(t, "secret")
	h := `Digest username="u", , realm="user@webui.org", nonce="n1",, uri="/x", qop=auth, nc=00000001, cnonce="c1", response="` + knownResponse + `"`
	user, ok := a.CheckAuthorization("GET", h)
	require.True(t, ok)
	require.Equal(t, "u", user)

	// Empty pairs count toward the cap.
	h = `Digest username="u"` + strings.Repeat(", ", MaxPairs) + `, response="` + knownResponse + `"`
	_, ok = a.CheckAuthorization("GET", h)
	require.False(t, ok)
}

func TestParseHeader(t *testing.T) {
	p, err := ParseHeader(`Digest  username = "admin" ,uri="/meter?x=1", nonce=abc, nc=00000002, cnonce="zz", response="` + knownResponse + `"`)
	require.NoError(t, err)
	require.Equal(t, Params{
		Username: "admin",
		Response: knownResponse,
		Nonce:    "abc",
		CNonce:   "zz",
		NC:       "00000002",
		URI:      "/meter?x=1",
	}, p)
	_, err = ParseHeader("Digest realm=nope")
	require.ErrorIs(t, err, errBadRealm)
}

func TestCredential(t *testing.T) {
	var cred Credential
	require.ErrorIs(t, cred.Set(strings.Repeat("a", CredentialCap+1)), ErrCredentialTooLong)
	require.NoError(t, cred.Set(strings.Repeat("a", CredentialCap)))
	require.Equal(t, CredentialCap, cred.Len())
	require.Error(t, cred.Set(""))
	require.Equal(t, CredentialCap, cred.Len(), "failed set must keep the old password")

	dir := t.TempDir()
	path := filepath.Join(dir, "pwd")
	require.NoError(t, os.WriteFile(path, []byte("  secret\r\n\x00"), 0o600))
	require.NoError(t, cred.LoadFile(path))
	require.Equal(t, len("secret"), cred.Len())

	a, err := New(&cred, nil)
	require.NoError(t, err)
	_, ok := a.CheckAuthorization("GET", header(Realm, QOP, Algorithm, knownResponse))
	require.True(t, ok)

	saved := filepath.Join(dir, "saved")
	require.NoError(t, cred.SaveFile(saved))
	var loaded Credential
	require.NoError(t, loaded.LoadFile(saved))
	require.Equal(t, cred.Len(), loaded.Len())

	require.Error(t, cred.LoadFile(filepath.Join(dir, "missing")))
	_, err = New(nil, nil)
	require.Error(t, err)
}

func TestCredentialResponse(t *testing.T) {
	var cred Credential
	require.NoError(t, cred.Set("secret"))
	require.Equal(t, knownResponse, cred.Response("u", "GET", "/x", "n1", "00000001", "c1"))
}

func TestChallenge(t *testing.T) {
	c1, err := Challenge()
	require.NoError(t, err)
	c2, err := Challenge()
	require.NoError(t, err)
	require.NotEqual(t, c1, c2, "nonce must be fresh")
	require.True(t, strings.HasPrefix(c1, `Digest realm="user@webui.org", qop="auth", algorithm=SHA-256, nonce="`))

	nonce, err := NewNonce()
	require.NoError(t, err)
	require.Len(t, nonce, 32)
}

func TestMiddleware(t *testing.T) {
	a := newAuth(t, "secret")
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := Username(r.Context())
		require.True(t, ok)
		w.Write([]byte("hello " + user))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="user@webui.org"`)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", header(Realm, QOP, Algorithm, knownResponse))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello u", rec.Body.String())
}
