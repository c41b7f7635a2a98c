package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaywoot/internal/site"
	"github.com/agentworkforce/relaywoot/internal/wire"
	"github.com/agentworkforce/relaywoot/internal/woot"
)

const (
	correlationHeader = "X-Correlation-Id"
	originHeader      = "X-Relaywoot-Origin"
	defaultOrigin     = "http"
	maxFeedLimit      = 1000
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zerolog.Logger
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Peers serves the websocket peer endpoint when set.
	Peers http.Handler
}

type Server struct {
	site        *site.Site
	cfg         ServerConfig
	logger      zerolog.Logger
	router      *mux.Router
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	entries   map[string]rateEntry
	nextSweep time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type contentView struct {
	ContentID     woot.ContentID `json:"contentId"`
	Visible       string         `json:"visible"`
	Full          string         `json:"full"`
	Text          string         `json:"text"`
	Lines         []string       `json:"lines"`
	Modifications []string       `json:"modifications,omitempty"`
	Rows          []woot.Row     `json:"rows,omitempty"`
	Pending       int            `json:"pending"`
}

type insertRequest struct {
	Text     string `json:"text"`
	Position *int   `json:"position"`
}

type deleteRequest struct {
	Position *int `json:"position"`
}

type copyRequest struct {
	Page   string `json:"page"`
	Object string `json:"object"`
	Field  string `json:"field"`
}

type fieldsRequest struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

type deliveryResponse struct {
	Report woot.DeliveryReport `json:"report"`
	Errors []string            `json:"errors,omitempty"`
}

func NewServer(s *site.Site) *Server {
	return NewServerWithConfig(s, ServerConfig{})
}

func NewServerWithConfig(s *site.Site, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	srv := &Server{
		site:        s,
		cfg:         cfg,
		logger:      logger.With().Str("component", "httpapi").Logger(),
		rateLimiter: limiter,
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}
	if s.cfg.Peers != nil {
		r.Handle("/v1/peers/ws", s.cfg.Peers).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/contents", s.handleListContents).Methods(http.MethodGet)
	v1.HandleFunc("/pages", s.handleListPages).Methods(http.MethodGet)
	const content = "/contents/{page}/{object}/{field}"
	v1.HandleFunc(content, s.handleGetContent).Methods(http.MethodGet)
	v1.HandleFunc(content+"/insert", s.handleInsert).Methods(http.MethodPost)
	v1.HandleFunc(content+"/delete", s.handleDelete).Methods(http.MethodPost)
	v1.HandleFunc(content+"/copy", s.handleCopy).Methods(http.MethodPost)
	v1.HandleFunc("/objects/{page}/{object}/fields", s.handleFields).Methods(http.MethodPost)
	v1.HandleFunc("/objects/{page}/{object}/fields", s.handleGetFields).Methods(http.MethodGet)
	v1.HandleFunc("/patches", s.handleDeliverPatch).Methods(http.MethodPost)
	v1.HandleFunc("/patches", s.handlePatchFeed).Methods(http.MethodGet)
	v1.HandleFunc("/state", s.handleGetState).Methods(http.MethodGet)
	v1.HandleFunc("/state", s.handleSetState).Methods(http.MethodPut)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
		r.Header.Set(correlationHeader, correlationID)
	}
	w.Header().Set(correlationHeader, correlationID)

	if s.rateLimiter != nil && r.URL.Path != "/health" {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "siteId": s.site.SiteID()})
}

func (s *Server) handleListContents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"contents": s.site.Engine().ListContent()})
}

func (s *Server) handleListPages(w http.ResponseWriter, _ *http.Request) {
	pages := s.site.Engine().ListPages()
	if pages == nil {
		pages = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	cid := contentIDFromVars(r)
	pending, err := s.site.Engine().PendingCount(cid)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	view, err := readContent(s.site, cid, parseBool(r.URL.Query().Get("rows"), false))
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	view.Pending = pending
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req insertRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Position == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "position is required", correlationID)
		return
	}
	cid := contentIDFromVars(r)
	if _, err := s.site.LoadDocument(cid); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	patch, err := s.site.Insert(r.Context(), cid, req.Text, *req.Position)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patch": patch})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req deleteRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Position == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "position is required", correlationID)
		return
	}
	patch, err := s.site.Delete(r.Context(), contentIDFromVars(r), *req.Position)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patch": patch})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req copyRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	dst := woot.ContentID{PageID: req.Page, ObjectID: req.Object, FieldID: req.Field}
	handle, err := s.site.Engine().CopyContent(contentIDFromVars(r), dst)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if err := s.site.Checkpoint(r.Context()); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"contentId": handle.ContentID()})
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req fieldsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	vars := mux.Vars(r)
	changes, err := wire.FieldChanges(s.site.SiteID(), time.Now().UTC().UnixMilli(), req.Before, req.After)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if len(changes) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"changes": 0})
		return
	}
	patch, err := s.site.PublishSideChannel(r.Context(), vars["page"], vars["object"], changes)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": len(changes), "patch": patch})
}

func (s *Server) handleGetFields(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"pageId":   vars["page"],
		"objectId": vars["object"],
		"fields":   s.site.Fields(vars["page"], vars["object"]),
	})
}

func (s *Server) handleDeliverPatch(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	patch, err := wire.DecodePatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error(), correlationID)
		return
	}
	origin := strings.TrimSpace(r.Header.Get(originHeader))
	if origin == "" {
		origin = defaultOrigin
	}
	report, err := s.site.Receive(r.Context(), origin, patch)
	resp := deliveryResponse{Report: report}
	if err != nil {
		if !errors.Is(err, woot.ErrStructural) && !errors.Is(err, woot.ErrInvalidInput) {
			s.writeEngineError(w, err, correlationID)
			return
		}
		resp.Errors = splitJoined(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePatchFeed(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	query := r.URL.Query()
	cursor, err := parseOptionalCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid cursor", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 100, 1, maxFeedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.site.PatchesSince(cursor, limit))
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.site.State(r.Context())
	if err != nil {
		s.writeEngineError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	snap, err := woot.UnmarshalSnapshot(body)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if err := s.site.Bootstrap(r.Context(), snap); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contents": len(snap.Contents)})
}

func readContent(s *site.Site, cid woot.ContentID, withRows bool) (contentView, error) {
	handle, err := s.LoadDocument(cid)
	if err != nil {
		return contentView{}, err
	}
	view := contentView{ContentID: cid}
	if view.Visible, err = handle.VisibleContent(); err != nil {
		return contentView{}, err
	}
	if view.Full, err = handle.FullContent(); err != nil {
		return contentView{}, err
	}
	if view.Text, err = handle.Text(); err != nil {
		return contentView{}, err
	}
	if view.Lines, err = handle.VisibleLines(); err != nil {
		return contentView{}, err
	}
	if withRows {
		if view.Rows, err = handle.Rows(); err != nil {
			return contentView{}, err
		}
		if view.Modifications, err = handle.Modifications(); err != nil {
			return contentView{}, err
		}
	}
	return view, nil
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, woot.ErrInvalidPosition):
		writeError(w, http.StatusBadRequest, "invalid_position", err.Error(), correlationID)
	case errors.Is(err, woot.ErrStructural), errors.Is(err, woot.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, woot.ErrUnknownContent):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, woot.ErrContentExists):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, woot.ErrStateTransfer):
		writeError(w, http.StatusUnprocessableEntity, "invalid_state", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func contentIDFromVars(r *http.Request) woot.ContentID {
	vars := mux.Vars(r)
	return woot.ContentID{PageID: vars["page"], ObjectID: vars["object"], FieldID: vars["field"]}
}

func clientKey(r *http.Request) string {
	if origin := strings.TrimSpace(r.Header.Get(originHeader)); origin != "" {
		return "origin|" + origin
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return "addr|" + host
}

// splitJoined flattens an errors.Join result into its messages.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, inner := range joined.Unwrap() {
			out = append(out, splitJoined(inner)...)
		}
		return out
	}
	return []string{err.Error()}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(correlationHeader)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Expired windows are swept at most once per window.
	if now.After(r.nextSweep) {
		for k, e := range r.entries {
			if now.After(e.resetAt) {
				delete(r.entries, k)
			}
		}
		r.nextSweep = now.Add(r.window)
	}

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBool(raw string, fallback bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseOptionalCursor(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, errors.New("invalid cursor")
	}
	return cursor, nil
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if parsed < min {
		return min, nil
	}
	if parsed > max {
		return max, nil
	}
	return parsed, nil
}
