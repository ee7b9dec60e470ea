package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/seantiz/npurt/internal/engine"
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStatus writes a runner status code and message with the matching
// HTTP status.
func (s *Server) writeStatus(w http.ResponseWriter, code engine.StatusCode, message string) {
	s.writeJSON(w, httpStatusFor(code), executeResponse{Status: code, Error: message})
}

// httpStatusFor maps a runner status code onto an HTTP status.
func httpStatusFor(code engine.StatusCode) int {
	switch code {
	case engine.Success:
		return http.StatusOK
	case engine.InvalidInput, engine.InvalidOutput:
		return http.StatusBadRequest
	case engine.OutOfMemory:
		return http.StatusServiceUnavailable
	case engine.Timeout:
		return http.StatusGatewayTimeout
	case engine.DeviceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
