package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/giantswarm/portal-auth/instrumentation"
	"github.com/giantswarm/portal-auth/internal/util"
	"github.com/giantswarm/portal-auth/records"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/session"
	"github.com/giantswarm/portal-auth/storage"
)

const (
	// maxRequestBodyBytes bounds login and status update bodies
	maxRequestBodyBytes = 64 << 10

	// throttleRetryAfter is the Retry-After hint sent with throttled login requests
	throttleRetryAfter = time.Second
)

// sessionContextKey is the context key for the verified session
type sessionContextKey struct{}

// ContextWithSession returns a context carrying the verified session
func ContextWithSession(ctx context.Context, s *storage.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext returns the verified session stored by the session middleware
func SessionFromContext(ctx context.Context) (*storage.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*storage.Session)
	return s, ok && s != nil
}

// Handler serves the portal over HTTP
type Handler struct {
	server   *Server
	logger   *slog.Logger
	resolver security.ClientIPResolver
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		resolver: security.ClientIPResolver{
			TrustProxy:        server.Config.Proxy.TrustProxy,
			TrustedProxyCount: server.Config.Proxy.TrustedProxyCount,
		},
	}
}

// RegisterRoutes registers every portal endpoint on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", h.ServeLogin)
	mux.HandleFunc("POST /auth/logout", h.ServeLogout)
	mux.Handle("GET /auth/session", h.RequireSession(false, http.HandlerFunc(h.ServeSession)))

	mux.Handle("GET /records", h.RequireSession(true, http.HandlerFunc(h.ServeListRecords)))
	mux.Handle("GET /records/{id}", h.RequireSession(true, http.HandlerFunc(h.ServeGetRecord)))
	mux.Handle("POST /records/{id}/status", h.RequireSession(true, http.HandlerFunc(h.ServeUpdateRecordStatus)))
	mux.Handle("DELETE /records/{id}", h.RequireSession(true, http.HandlerFunc(h.ServeDeleteRecord)))

	mux.Handle("POST /files/token", h.RequireSession(true, http.HandlerFunc(h.ServeIssueFileToken)))
	mux.HandleFunc("GET /files/download", h.ServeDownload)
	mux.HandleFunc("GET /files/export", h.ServeExport)
}

// Routes returns the complete portal handler with request ids, security headers and
// request metrics applied
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(
		security.SecurityHeadersMiddleware(h.server.Config.Cookie.Secure, h.instrument(mux)))
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request count and duration per route pattern
func (h *Handler) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.server.Instrumentation == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx, span := h.server.tracer.Start(r.Context(), "http.request")
		defer span.End()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, rec.status,
			float64(time.Since(start).Microseconds())/1000)
	})
}

// RequireSession verifies the session cookie and, when checkAntiForgery is set, the
// anti-forgery token before calling next. The verified session is stored in the
// request context and the cookie is re-issued with the slid expiry.
func (h *Handler) RequireSession(checkAntiForgery bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clientIP := h.clientIP(r)

		cookie, err := r.Cookie(h.server.Config.Cookie.Name)
		if err != nil || cookie.Value == "" {
			h.writeError(w, r, session.ErrNotAuthenticated)
			return
		}

		sess, err := h.server.Authenticate(ctx, cookie.Value, clientIP)
		if err != nil {
			if errors.Is(err, session.ErrNotAuthenticated) {
				h.clearSessionCookie(w, r)
			}
			h.writeError(w, r, err)
			return
		}
		h.setSessionCookie(w, r, sess)

		if checkAntiForgery {
			if err := h.server.CheckAntiForgery(ctx, sess, antiForgeryToken(r), clientIP); err != nil {
				h.writeError(w, r, err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithSession(ctx, sess)))
	})
}

// ServeLogin handles POST /auth/login
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if h.checkLoginThrottle(w, r, clientIP) {
		return
	}

	var req LoginRequest
	if err := decodeBody(w, r, &req, func() {
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	}); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.server.Login(r.Context(), req.Username, req.Password, clientIP)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, r, result.Session)
	h.writeJSON(w, http.StatusOK, LoginResponse{
		SessionResponse: newSessionResponse(result.Session),
		CredentialTier:  result.Tier.String(),
	})
}

// ServeLogout handles POST /auth/logout. Logging out without a live session succeeds.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := h.clientIP(r)

	cookie, err := r.Cookie(h.server.Config.Cookie.Name)
	if err != nil || cookie.Value == "" {
		h.clearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sess, err := h.server.Authenticate(ctx, cookie.Value, clientIP)
	if err != nil {
		if !errors.Is(err, session.ErrNotAuthenticated) {
			h.writeError(w, r, err)
			return
		}
		h.clearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.server.CheckAntiForgery(ctx, sess, antiForgeryToken(r), clientIP); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.server.Logout(ctx, sess.Token, clientIP); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// ServeSession handles GET /auth/session
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	h.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// ServeListRecords handles GET /records
func (h *Handler) ServeListRecords(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())

	list, err := h.server.ListRecords(r.Context(), sess, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := RecordListResponse{Records: make([]RecordResponse, 0, len(list))}
	for i := range list {
		resp.Records = append(resp.Records, newRecordResponse(&list[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeGetRecord handles GET /records/{id}
func (h *Handler) ServeGetRecord(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dec, err := h.server.GetRecord(r.Context(), sess, id, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newRecordResponse(dec))
}

// ServeUpdateRecordStatus handles POST /records/{id}/status
func (h *Handler) ServeUpdateRecordStatus(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req StatusUpdateRequest
	if err := decodeBody(w, r, &req, func() {
		req.Status = r.PostForm.Get("status")
	}); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.server.UpdateRecordStatus(r.Context(), sess, id, req.Status, h.clientIP(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeDeleteRecord handles DELETE /records/{id}
func (h *Handler) ServeDeleteRecord(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.server.DeleteRecord(r.Context(), sess, id, h.clientIP(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeIssueFileToken handles POST /files/token
func (h *Handler) ServeIssueFileToken(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())

	token, err := h.server.IssueFileToken(r.Context(), sess, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, FileTokenResponse{
		Token:     token,
		ExpiresIn: int(h.server.FileTokens.TTL().Seconds()),
	})
}

// ServeDownload handles GET /files/download?token=&record=
func (h *Handler) ServeDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := util.ParseID(q.Get("record"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}

	dec, err := h.server.Download(r.Context(), q.Get("token"), id, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	raw := records.RawExporter{}
	h.writeAttachment(w, raw.ContentType(), fmt.Sprintf("record-%d.bin", dec.ID), dec.Payload)
}

// ServeExport handles GET /files/export?token=&format=&record=
func (h *Handler) ServeExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := util.ParseID(q.Get("record"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}

	format := q.Get("format")
	if format == "" {
		format = records.JSONExporter{}.Format()
	}

	result, err := h.server.Export(r.Context(), q.Get("token"), id, format, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeAttachment(w, result.ContentType, result.Filename, result.Data)
}

// checkLoginThrottle applies the per-IP request throttle. Returns true if the request
// was rejected.
func (h *Handler) checkLoginThrottle(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.Throttle.Allow(clientIP) {
		return false
	}

	ctx := r.Context()
	h.logger.WarnContext(ctx, "Login request throttled", "ip", clientIP)
	if h.server.Instrumentation != nil {
		metrics := h.server.Instrumentation.Metrics()
		metrics.RecordRequestThrottled(ctx, r.URL.Path)
		metrics.RecordLoginAttempt(ctx, instrumentation.LoginResultThrottled)
	}
	h.server.Auditor.LogRateLimitExceeded(ctx, clientIP, "login_throttle")

	e := NewError(ErrorCodeRateLimited, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	e.RetryAfter = throttleRetryAfter
	h.writeError(w, r, e)
	return true
}

func (h *Handler) clientIP(r *http.Request) string {
	return h.resolver.Resolve(r)
}

// secureCookie reports whether the session cookie gets the Secure attribute
func (h *Handler) secureCookie(r *http.Request) bool {
	return h.server.Config.Cookie.Secure || r.TLS != nil
}

// setSessionCookie issues the session cookie with an expiry matching the session's
func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request, s *storage.Session) {
	secure := h.secureCookie(r)
	cfg := h.server.Config.Cookie

	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    s.Token,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		Expires:  s.ExpiresAt,
		MaxAge:   int(h.server.Sessions.Timeout().Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: cfg.sameSite(secure),
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	secure := h.secureCookie(r)
	cfg := h.server.Config.Cookie

	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: cfg.sameSite(secure),
	})
}

// writeError maps err onto the client error taxonomy and writes it as JSON
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	pe := AsError(err)
	ctx := r.Context()

	if pe.Status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "Request failed",
			"code", pe.Code,
			"path", r.URL.Path,
			"request_id", security.GetRequestID(ctx),
			"error", err)
	} else {
		h.logger.DebugContext(ctx, "Request rejected",
			"code", pe.Code,
			"path", r.URL.Path,
			"request_id", security.GetRequestID(ctx),
			"error", err)
	}

	if pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
	}
	h.writeJSON(w, pe.Status, ErrorResponse{
		Error:            string(pe.Code),
		ErrorDescription: pe.Message,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeAttachment(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Failed to write attachment", "error", err)
	}
}

// antiForgeryToken returns the token from the header, or from the form body of a
// form post
func antiForgeryToken(r *http.Request) string {
	if token := r.Header.Get(security.AntiForgeryHeader); token != "" {
		return token
	}
	if isFormPost(r) {
		return r.PostFormValue(security.AntiForgeryField)
	}
	return ""
}

func isFormPost(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data"
}

// decodeBody decodes a JSON body into v, or parses a form body and calls fromForm
func decodeBody(w http.ResponseWriter, r *http.Request, v any, fromForm func()) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			return fmt.Errorf("%w: malformed JSON body", ErrInvalidRequest)
		}
		return nil
	}

	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%w: malformed form body", ErrInvalidRequest)
	}
	fromForm()
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := util.ParseID(r.PathValue("id"))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return id, nil
}
