package handlers

import (
	"net/http"

	"github.com/webosbrew/dev-manager-desktop/internal/config"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
)

const (
	defaultServerLogLines = 200
	maxServerLogLines     = 5000
)

// GetServerLogs returns the tail of this server's own log file.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "lines", defaultServerLogLines)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "lines must be a positive integer")
		return
	}
	if n > maxServerLogLines {
		n = maxServerLogLines
	}
	lines, err := logging.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":  config.Cfg.LogPath,
		"lines": lines,
	})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
