package httpserver

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (req *loginRequest) fromForm(form url.Values) error {
	req.Identifier = form.Get("identifier")
	if req.Identifier == "" {
		req.Identifier = form.Get("handle")
	}
	req.Password = form.Get("password")
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.Identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "identifier and password are required")
		return
	}

	sess, err := s.auth.Login(w, r, req.Identifier, req.Password)
	if errors.Is(err, domain.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "AuthenticationFailed", "invalid identifier or password")
		return
	}
	if err != nil {
		s.logger.Error("login failed", "identifier", req.Identifier, "error", err)
		writeError(w, http.StatusBadGateway, "UpstreamFailure", "could not reach the sign-in server")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"did": sess.DID, "handle": sess.Handle})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(w, r); err != nil {
		s.fail(w, r, err, "sign out")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type preferencesView struct {
	FontFamily  string `json:"fontFamily"`
	AccentColor string `json:"accentColor"`
	Theme       string `json:"theme"`
}

func newPreferencesView(p *domain.Preferences) preferencesView {
	return preferencesView{FontFamily: p.FontFamily, AccentColor: p.AccentColor, Theme: p.Theme}
}

func (req *preferencesView) fromForm(form url.Values) error {
	req.FontFamily = form.Get("fontFamily")
	req.AccentColor = form.Get("accentColor")
	req.Theme = form.Get("theme")
	return nil
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	did, ok := s.auth.CurrentDID(r)
	if !ok {
		writeJSON(w, http.StatusOK, newPreferencesView(domain.DefaultPreferences("")))
		return
	}

	prefs, err := s.statuses.GetPreferences(r.Context(), did)
	if err != nil {
		s.fail(w, r, err, "get preferences")
		return
	}
	writeJSON(w, http.StatusOK, newPreferencesView(prefs))
}

func (s *Server) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	writer, ok := s.writer(w, r)
	if !ok {
		return
	}

	var req preferencesView
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	// Fields left out keep their current value.
	prefs, err := s.statuses.GetPreferences(r.Context(), writer.DID())
	if err != nil {
		s.fail(w, r, err, "get preferences")
		return
	}
	if req.FontFamily != "" {
		prefs.FontFamily = req.FontFamily
	}
	if req.AccentColor != "" {
		prefs.AccentColor = req.AccentColor
	}
	if req.Theme != "" {
		prefs.Theme = req.Theme
	}

	saved, err := s.statuses.SavePreferences(r.Context(), writer, prefs)
	if err != nil {
		s.fail(w, r, err, "save preferences")
		return
	}
	writeJSON(w, http.StatusOK, newPreferencesView(saved))
}

type webhookView struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	Events    string `json:"events"`
	Active    bool   `json:"active"`
	Secret    string `json:"secret,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func newWebhookView(h *domain.Webhook) webhookView {
	return webhookView{
		ID:        h.ID,
		URL:       h.URL,
		Events:    h.Events,
		Active:    h.Active,
		CreatedAt: h.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type createWebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
	Events string `json:"events"`
}

func (req *createWebhookRequest) fromForm(form url.Values) error {
	req.URL = form.Get("url")
	req.Secret = form.Get("secret")
	req.Events = form.Get("events")
	return nil
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	did, ok := s.auth.CurrentDID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "sign in first")
		return
	}

	hooks, err := s.webhooks.List(r.Context(), did)
	if err != nil {
		s.fail(w, r, err, "list webhooks")
		return
	}
	out := make([]webhookView, len(hooks))
	for i := range hooks {
		out[i] = newWebhookView(&hooks[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	did, ok := s.auth.CurrentDID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "sign in first")
		return
	}

	var req createWebhookRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	hook, err := s.webhooks.Create(r.Context(), did, req.URL, req.Secret, req.Events)
	if err != nil {
		s.fail(w, r, err, "create webhook")
		return
	}

	// The secret is only ever shown once.
	view := newWebhookView(hook)
	view.Secret = hook.Secret
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	did, ok := s.auth.CurrentDID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "sign in first")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid webhook id")
		return
	}

	if err := s.webhooks.Delete(r.Context(), id, did); err != nil {
		s.fail(w, r, err, "delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
