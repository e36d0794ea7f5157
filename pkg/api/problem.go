// Package api is the HTTP intake surface: approval routes, webhook
// endpoints, and the demo and watchdog drivers, with RFC 7807 problem
// responses on every error path.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemDetail is an RFC 7807 problem response. TraceID links the response
// to the request's X-Request-ID.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	problem.Type = fmt.Sprintf("https://saihai.dev/errors/%d", problem.Status)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes a problem response without request context. Middleware
// that runs before the request is routed uses this form.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR writes a problem response enriched with the request context:
// trace_id from X-Request-ID, instance from the request path.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}
