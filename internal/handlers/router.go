package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
	"github.com/webosbrew/dev-manager-desktop/internal/sshfiles"
	"github.com/webosbrew/dev-manager-desktop/internal/sshlogs"
)

// Set from main.go during init.
var (
	Sessions *session.Manager
	Devices  device.Directory
	Files    *sshfiles.Files
	Logs     *sshlogs.Logs
)

// NewRouter wires every endpoint.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", ListDevices)
		r.Route("/devices/{name}", func(r chi.Router) {
			r.Post("/exec", ExecCommand)
			r.Get("/proc", ProcWS)
			r.Post("/shells", OpenShell)
			r.Get("/events", GetDeviceEvents)
			r.Get("/events/ws", EventsWS)
			r.Post("/disconnect", DisconnectDevice)

			r.Get("/files", ListFiles)
			r.Get("/files/stat", StatFile)
			r.Get("/files/download", DownloadFile)
			r.Put("/files", UploadFile)
			r.Post("/files/mkdir", CreateDirectory)
			r.Delete("/files", RemoveFile)

			r.Get("/logs", ListDeviceLogs)
			r.Get("/logs/ws", DeviceLogsWS)
		})

		r.Get("/shells", ListShells)
		r.Route("/shells/{token}", func(r chi.Router) {
			r.Get("/screen", GetShellScreen)
			r.Post("/resize", ResizeShell)
			r.Post("/write", WriteShell)
			r.Delete("/", CloseShell)
			r.Get("/ws", TerminalWS)
		})

		r.Get("/pools", GetPoolStats)
		r.Get("/audit", GetAuditLogs)
		r.Post("/audit/purge", PurgeAuditLogs)
		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)
	})
	return r
}
