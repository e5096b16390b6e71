package mcp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// securityHeaders is set on every response, including preflight and
// rejected requests.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"X-XSS-Protection":          "1; mode=block",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Permissions-Policy":        "geolocation=(), microphone=(), camera=()",
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// Handler builds the HTTP endpoint for the server: security headers on
// everything, then body limit, CORS, basic auth, API-key validation,
// and finally JSON-RPC dispatch on POST /.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withSecurityHeaders)
	r.Use(s.withBodyLimit)
	r.Use(s.withCORS)
	r.Use(s.withBasicAuth)
	r.Use(s.withAPIKey)

	r.Post("/", s.handleRPC)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "server": s.name})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.stats.Snapshot())
	})
	return r
}

func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name, value := range securityHeaders {
			w.Header().Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.options.MaxRequestBodySize
		if limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > limit {
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil,
				&rpcError{Code: codeInvalidRequest, Message: "request body too large"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// matchOrigin reports whether the origin satisfies one allowed entry.
// Entries are exact origins, "*.domain" suffix wildcards, or "*".
func matchOrigin(origin, allowed string) bool {
	if allowed == "*" {
		return true
	}
	if strings.EqualFold(origin, allowed) {
		return true
	}
	if strings.HasPrefix(allowed, "*.") {
		host := origin
		if idx := strings.Index(host, "://"); idx >= 0 {
			host = host[idx+3:]
		}
		// Only true subdomains match; the bare domain needs its own entry.
		return strings.HasSuffix(strings.ToLower(host), strings.ToLower(allowed[1:]))
	}
	return false
}

func (s *Server) allowOrigin(origin string) bool {
	for _, allowed := range s.options.AllowedOrigins {
		if matchOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := s.options.BasicAuthUser
		pass := s.options.BasicAuthPass
		if user == "" || pass == "" {
			next.ServeHTTP(w, r)
			return
		}
		gotUser, gotPass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="mcp"`)
			writeRPCError(w, http.StatusUnauthorized, nil,
				&rpcError{Code: codeInvalidRequest, Message: "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKey extracts the credential from X-API-Key or a bearer token.
func apiKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		validate := s.options.ValidateAPIKey
		if validate == nil {
			next.ServeHTTP(w, r)
			return
		}
		headers := make(map[string]string, len(r.Header))
		for name := range r.Header {
			headers[name] = r.Header.Get(name)
		}
		if !validate(apiKey(r), KeyRequest{Method: r.Method, Path: r.URL.Path, Headers: headers}) {
			writeRPCError(w, http.StatusUnauthorized, nil,
				&rpcError{Code: codeInvalidRequest, Message: "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.stats.recordRequest(time.Since(started), true)
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil,
				&rpcError{Code: codeInvalidRequest, Message: "request body too large"})
			return
		}
		s.stats.recordRequest(time.Since(started), true)
		writeRPCError(w, http.StatusOK, nil,
			&rpcError{Code: codeParseError, Message: "invalid JSON"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.stats.recordRequest(time.Since(started), true)
		writeRPCError(w, http.StatusOK, req.ID,
			&rpcError{Code: codeInvalidRequest, Message: "invalid JSON-RPC request"})
		return
	}

	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	s.stats.recordRequest(time.Since(started), rpcErr != nil)
	if rpcErr != nil {
		if rpcErr.Code == codeInternalError {
			// Internal details stay in the log, not on the wire.
			slog.Error("mcp request failed", "server", s.name, "method", req.Method, "error", rpcErr.Message)
			rpcErr = &rpcError{Code: codeInternalError, Message: "internal error"}
		}
		writeRPCError(w, http.StatusOK, req.ID, rpcErr)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func writeRPCError(w http.ResponseWriter, status int, id any, rpcErr *rpcError) {
	writeJSON(w, status, rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
