package handlers

import (
	"net/http"

	"github.com/eargollo/camsync/internal/config"
)

// ConfigHandler handles GET /api/config. Credentials and local paths are
// excluded by the config's JSON tags.
type ConfigHandler struct {
	Cfg *config.Config
}

// Get returns the effective configuration.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cfg)
}
