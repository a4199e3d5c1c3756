package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"pdulink/config"
)

const (
	sessionName    = "pdulink_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

// sessionStore keeps the logged-in user in a signed cookie.
type sessionStore struct {
	store *sessions.CookieStore
}

func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

// get ignores decode errors from stale cookies; the returned session is
// always usable.
func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

func (s *sessionStore) getUser(r *http.Request) (username, role string, ok bool) {
	session := s.get(r)
	user, uok := session.Values[sessionUserKey].(string)
	role, rok := session.Values[sessionRoleKey].(string)
	if !uok || !rok || user == "" {
		return "", "", false
	}
	return user, role, true
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username, role string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	session.Values[sessionRoleKey] = role
	return session.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	delete(session.Values, sessionRoleKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword generates a bcrypt hash for a configured user.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// authenticate resolves the caller from the session cookie, then from HTTP
// basic auth.
func (h *handlers) authenticate(r *http.Request) (*config.WebUser, bool) {
	cfg := h.managers.GetConfig()
	if username, _, ok := h.sessions.getUser(r); ok {
		if user := cfg.FindWebUser(username); user != nil {
			return user, true
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		if user := cfg.FindWebUser(username); user != nil && checkPassword(password, user.PasswordHash) {
			return user, true
		}
	}
	return nil, false
}

// requireUser guards a route when users are configured. With adminOnly set
// the caller must also hold the admin role.
func (h *handlers) requireUser(adminOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(h.managers.GetConfig().Web.Users) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			user, ok := h.authenticate(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="pdulink"`)
				h.writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if adminOnly && user.Role != config.RoleAdmin {
				h.writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin accepts JSON or form credentials and starts a session.
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	} else {
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	if req.Username == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user := h.managers.GetConfig().FindWebUser(req.Username)
	if user == nil || !checkPassword(req.Password, user.PasswordHash) {
		h.writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if err := h.sessions.setUser(w, r, user.Username, user.Role); err != nil {
		h.writeError(w, http.StatusInternalServerError, "session error: "+err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"username": user.Username, "role": user.Role})
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}
