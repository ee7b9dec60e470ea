package api

import (
	"net/http"

	"github.com/seantiz/npurt/internal/backend"
)

// backendInfo is a registered backend type. Active marks the type serving
// this runner; only the active entry carries capabilities.
type backendInfo struct {
	backend.Info
	Active       bool                  `json:"active"`
	Capabilities *backend.Capabilities `json:"capabilities,omitempty"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	caps := s.runner.Capabilities()
	infos := make([]backendInfo, 0)
	for _, info := range s.registry.List() {
		bi := backendInfo{Info: info}
		if string(info.Type) == caps.Name {
			bi.Active = true
			bi.Capabilities = &caps
		}
		infos = append(infos, bi)
	}
	s.writeJSON(w, http.StatusOK, infos)
}
