package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBodyBytes    = 64 << 10
)

// formDecoder is implemented by request bodies that may arrive as HTML
// form posts as well as JSON.
type formDecoder interface {
	fromForm(form url.Values) error
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst formDecoder) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode body: %w", err)
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	return dst.fromForm(r.PostForm)
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageSize, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxPageSize {
		return 0, false
	}
	return n, true
}

type statusView struct {
	URI       string `json:"uri"`
	DID       string `json:"did"`
	Handle    string `json:"handle,omitempty"`
	Emoji     string `json:"emoji"`
	Text      string `json:"text,omitempty"`
	CreatedAt string `json:"createdAt"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Expired   bool   `json:"expired,omitempty"`
	Hidden    bool   `json:"hidden,omitempty"`
}

func newStatusView(st *domain.Status, handle string, now time.Time) statusView {
	v := statusView{
		URI:       st.URI,
		DID:       st.AuthorDID,
		Handle:    handle,
		Emoji:     st.Emoji,
		Text:      st.Text,
		CreatedAt: domain.FormatDatetime(st.CreatedAt),
		Expired:   st.IsExpired(now),
		Hidden:    st.Hidden,
	}
	if st.ExpiresAt != nil {
		v.ExpiresAt = domain.FormatDatetime(*st.ExpiresAt)
	}
	return v
}

// views renders statuses with their authors' handles, resolving each
// distinct author once.
func (s *Server) views(ctx context.Context, statuses []domain.Status) []statusView {
	var (
		mu      sync.Mutex
		handles = make(map[string]string)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, st := range statuses {
		did := st.AuthorDID
		mu.Lock()
		_, seen := handles[did]
		handles[did] = did
		mu.Unlock()
		if seen {
			continue
		}
		g.Go(func() error {
			h := s.handles.Handle(gctx, did)
			mu.Lock()
			handles[did] = h
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	now := time.Now()
	out := make([]statusView, len(statuses))
	for i := range statuses {
		out[i] = newStatusView(&statuses[i], handles[statuses[i].AuthorDID], now)
	}
	return out
}

// writer returns a capability for the signed-in account, or writes a 401.
func (s *Server) writer(w http.ResponseWriter, r *http.Request) (domain.RepoWriter, bool) {
	did, ok := s.auth.CurrentDID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "sign in first")
		return nil, false
	}
	writer, err := s.auth.Capability(r.Context(), did)
	if errors.Is(err, domain.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "your session has expired, sign in again")
		return nil, false
	}
	if err != nil {
		s.fail(w, r, err, "load session")
		return nil, false
	}
	return writer, true
}

type createStatusRequest struct {
	Emoji     string `json:"emoji"`
	Text      string `json:"text"`
	ExpiresIn string `json:"expires_in"`
}

func (req *createStatusRequest) fromForm(form url.Values) error {
	req.Emoji = form.Get("status")
	if e := form.Get("emoji"); e != "" {
		req.Emoji = e
	}
	req.Text = form.Get("text")
	req.ExpiresIn = form.Get("expires_in")
	return nil
}

func (s *Server) handleCreateStatus(w http.ResponseWriter, r *http.Request) {
	writer, ok := s.writer(w, r)
	if !ok {
		return
	}

	var req createStatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	status, err := s.statuses.CreateStatus(r.Context(), writer, domain.StatusInput{
		Emoji:     req.Emoji,
		Text:      req.Text,
		ExpiresIn: req.ExpiresIn,
	})
	if err != nil {
		s.fail(w, r, err, "create status")
		return
	}

	s.logger.Info("status created", "uri", status.URI, "did", status.AuthorDID)
	writeJSON(w, http.StatusCreated, newStatusView(status, "", time.Now()))
}

type uriRequest struct {
	URI string `json:"uri"`
}

func (req *uriRequest) fromForm(form url.Values) error {
	req.URI = form.Get("uri")
	return nil
}

func (s *Server) handleDeleteStatus(w http.ResponseWriter, r *http.Request) {
	writer, ok := s.writer(w, r)
	if !ok {
		return
	}

	var req uriRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.URI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "uri is required")
		return
	}

	if err := s.statuses.DeleteStatus(r.Context(), writer, req.URI); err != nil {
		s.fail(w, r, err, "delete status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleClearStatus(w http.ResponseWriter, r *http.Request) {
	writer, ok := s.writer(w, r)
	if !ok {
		return
	}

	uri, err := s.statuses.ClearStatus(r.Context(), writer)
	if err != nil {
		s.fail(w, r, err, "clear status")
		return
	}

	resp := map[string]any{"cleared": nil}
	if uri != "" {
		resp["cleared"] = uri
	}
	writeJSON(w, http.StatusOK, resp)
}

type hideRequest struct {
	URI    string `json:"uri"`
	Hidden *bool  `json:"hidden"`
}

func (req *hideRequest) fromForm(form url.Values) error {
	req.URI = form.Get("uri")
	if raw := form.Get("hidden"); raw != "" {
		hidden, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("hidden: %w", err)
		}
		req.Hidden = &hidden
	}
	return nil
}

func (s *Server) handleHideStatus(w http.ResponseWriter, r *http.Request) {
	did, ok := s.auth.CurrentDID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "sign in first")
		return
	}
	if s.cfg.AdminDID == "" || did != s.cfg.AdminDID {
		writeError(w, http.StatusForbidden, "Forbidden", "admin access required")
		return
	}

	var req hideRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.URI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "uri is required")
		return
	}
	hidden := true
	if req.Hidden != nil {
		hidden = *req.Hidden
	}

	if err := s.statuses.SetHidden(r.Context(), req.URI, hidden); err != nil {
		s.fail(w, r, err, "update status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uri": req.URI, "hidden": hidden})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 100")
		return
	}
	cursor := r.URL.Query().Get("cursor")

	statuses, next, err := s.statuses.Feed(r.Context(), cursor, limit)
	if err != nil {
		s.fail(w, r, err, "get feed")
		return
	}

	resp := map[string]any{"statuses": s.views(r.Context(), statuses)}
	if next != "" {
		resp["cursor"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	if _, err := syntax.ParseDID(did); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid did")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 100")
		return
	}

	statuses, err := s.statuses.History(r.Context(), did, limit)
	if err != nil {
		s.fail(w, r, err, "get history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": s.views(r.Context(), statuses)})
}

func (s *Server) handlePermalink(w http.ResponseWriter, r *http.Request) {
	did, rkey := r.PathValue("did"), r.PathValue("rkey")
	_, didErr := syntax.ParseDID(did)
	_, rkeyErr := syntax.ParseRecordKey(rkey)
	if didErr != nil || rkeyErr != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid status reference")
		return
	}

	status, err := s.statuses.GetStatus(r.Context(), domain.RecordURI(did, domain.StatusCollection, rkey))
	if err != nil {
		s.fail(w, r, err, "get status")
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(status, s.handles.Handle(r.Context(), did), time.Now()))
}

func (s *Server) handleFrequentEmojis(w http.ResponseWriter, r *http.Request) {
	counts, err := s.statuses.FrequentEmojis(r.Context(), defaultPageSize)
	if err != nil {
		s.fail(w, r, err, "get emojis")
		return
	}

	out := make([]map[string]any, len(counts))
	for i, c := range counts {
		out[i] = map[string]any{"emoji": c.Emoji, "count": c.Count}
	}
	writeJSON(w, http.StatusOK, out)
}

// knownStatus is the small JSON answer embedded by third-party widgets.
func (s *Server) knownStatus(ctx context.Context, did string) (map[string]any, error) {
	current, err := s.statuses.CurrentStatus(ctx, did)
	if err != nil || current == nil {
		return nil, err
	}
	resp := map[string]any{
		"status":  "known",
		"emoji":   current.Emoji,
		"text":    current.Text,
		"since":   domain.FormatDatetime(current.CreatedAt),
		"expires": nil,
	}
	if current.ExpiresAt != nil {
		resp["expires"] = domain.FormatDatetime(*current.ExpiresAt)
	}
	return resp, nil
}

func unknownStatus(message string) map[string]any {
	return map[string]any{"status": "unknown", "message": message}
}

func (s *Server) handleOwnerStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OwnerHandle == "" {
		writeJSON(w, http.StatusOK, unknownStatus("No current status is known"))
		return
	}
	did, err := s.handles.ResolveHandle(r.Context(), s.cfg.OwnerHandle)
	if err != nil {
		s.logger.Warn("failed to resolve owner handle", "handle", s.cfg.OwnerHandle, "error", err)
		writeJSON(w, http.StatusOK, unknownStatus("No current status is known"))
		return
	}

	resp, err := s.knownStatus(r.Context(), did)
	if err != nil {
		s.fail(w, r, err, "get status")
		return
	}
	if resp == nil {
		resp = unknownStatus("No current status is known")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	handle, ok := strings.CutPrefix(r.PathValue("user"), "@")
	if !ok || handle == "" {
		http.NotFound(w, r)
		return
	}

	did := handle
	if strings.HasPrefix(handle, "did:") {
		if _, err := syntax.ParseDID(handle); err != nil {
			writeJSON(w, http.StatusOK, unknownStatus("Unknown user @"+handle))
			return
		}
	} else {
		parsed, err := syntax.ParseHandle(handle)
		if err != nil {
			writeJSON(w, http.StatusOK, unknownStatus("Unknown user @"+handle))
			return
		}
		resolved, err := s.handles.ResolveHandle(r.Context(), parsed.Normalize().String())
		if err != nil {
			writeJSON(w, http.StatusOK, unknownStatus("Unknown user @"+handle))
			return
		}
		did = resolved
	}

	resp, err := s.knownStatus(r.Context(), did)
	if err != nil {
		s.fail(w, r, err, "get status")
		return
	}
	if resp == nil {
		resp = unknownStatus("No current status is known for @" + handle)
	}
	writeJSON(w, http.StatusOK, resp)
}
