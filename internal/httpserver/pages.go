package httpserver

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"
)

// statusPage is the data rendered by status.html.
type statusPage struct {
	Authenticated bool
	Subject       string
	ExpiresAt     time.Time
}

// renderSuccess renders the success page
func (s *Server) renderSuccess(w http.ResponseWriter, message string) {
	s.render(w, http.StatusOK, "success.html", map[string]string{
		"Message": message,
	})
}

// renderError renders the error page with status
func (s *Server) renderError(w http.ResponseWriter, status int, errMsg string) {
	s.render(w, status, "error.html", map[string]string{
		"Error": errMsg,
	})
}

// renderStatus renders the session status page
func (s *Server) renderStatus(w http.ResponseWriter, page statusPage) {
	s.render(w, http.StatusOK, "status.html", page)
}

// render executes the template into a buffer first so a template error can
// still produce a clean 500.
func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
