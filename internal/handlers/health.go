package handlers

import (
	"net/http"

	"github.com/webosbrew/dev-manager-desktop/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	sessions := "stopped"
	shells := 0
	if Sessions != nil {
		sessions = "running"
		shells = len(Sessions.ShellList())
	}

	status := "healthy"
	if dbStatus != "connected" || Sessions == nil {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"sessions": sessions,
		"shells":   shells,
	})
}
