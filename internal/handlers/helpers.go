package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeErr reports a classified error with a matching HTTP status. The body
// is the error itself: {"reason": kind, "message": ...}.
func writeErr(w http.ResponseWriter, err error) {
	var e *errdefs.Error
	if !errors.As(err, &e) {
		e = errdefs.New(errdefs.KindMessage, err.Error())
	}
	writeJSON(w, statusOf(e.Kind), e)
}

func statusOf(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindUnsupported:
		return http.StatusConflict
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	case errdefs.KindDisconnected, errdefs.KindIO:
		return http.StatusBadGateway
	case errdefs.KindAuthorization, errdefs.KindPassphraseRequired,
		errdefs.KindBadPassphrase, errdefs.KindBadPrivateKey:
		return http.StatusForbidden
	case errdefs.KindExitStatus:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// lookupDevice resolves the {name} URL parameter through the directory.
func lookupDevice(r *http.Request) (device.Device, error) {
	if Devices == nil {
		return device.Device{}, errdefs.New(errdefs.KindMessage, "device directory not initialized")
	}
	return Devices.Device(r.Context(), chi.URLParam(r, "name"))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// detached keeps request values but survives the request ending, for work
// that must finish even when the client goes away.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// readBody reads at most limit bytes of the request body.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}
