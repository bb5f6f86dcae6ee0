// Package admin serves the digest protected administrative HTTP channel.
package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/soypat/meterbridge/digest"
	"github.com/soypat/meterbridge/sunspec"
	"golang.org/x/exp/slog"
)

// maxPasswordBody bounds the PUT /password request body.
const maxPasswordBody = 4 * digest.CredentialCap

// Bracket serializes access to the meter with the other stack users.
type Bracket interface {
	Begin()
	End()
}

type Config struct {
	Meter      *sunspec.Meter
	Bracket    Bracket
	Credential *digest.Credential
	// PasswordFile, if set, receives the new password after a successful PUT /password.
	PasswordFile string
	Logger       *slog.Logger
}

// Handler routes admin requests. Every route requires digest authentication.
type Handler struct {
	meter   *sunspec.Meter
	bracket Bracket
	cred    *digest.Credential
	pwdFile string
	log     *slog.Logger
	auth    *digest.Authenticator
	mux     *http.ServeMux
}

// New returns the admin handler for cfg.
func New(cfg Config) (*Handler, error) {
	if cfg.Meter == nil || cfg.Bracket == nil {
		return nil, errors.New("admin: nil meter or bracket")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	auth, err := digest.New(cfg.Credential, cfg.Logger)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		meter:   cfg.Meter,
		bracket: cfg.Bracket,
		cred:    cfg.Credential,
		pwdFile: cfg.PasswordFile,
		log:     cfg.Logger,
		auth:    auth,
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("/meter", h.handleMeter)
	h.mux.HandleFunc("/password", h.handlePassword)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.auth.Middleware(h.mux).ServeHTTP(w, r)
}

// handleMeter processes GET /meter.
func (h *Handler) handleMeter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.bracket.Begin()
	snap := h.meter.Snapshot()
	h.bracket.End()
	body, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("admin:meter", slog.String("err", err.Error()))
		http.Error(w, "encoding snapshot failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(body, '\n'))
}

// handlePassword processes PUT /password. The body is the new password.
func (h *Handler) handlePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPasswordBody))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	pwd := strings.TrimRight(string(body), "\r\n")
	if err := h.cred.Set(pwd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, _ := digest.Username(r.Context())
	h.log.Info("admin:password-set", slog.String("user", user))
	if h.pwdFile != "" {
		if err := h.cred.SaveFile(h.pwdFile); err != nil {
			h.log.Error("admin:password-save", slog.String("file", h.pwdFile), slog.String("err", err.Error()))
			http.Error(w, "password set but not saved", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
