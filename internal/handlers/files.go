package handlers

import (
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/docker/go-units"
)

// maxUploadSize bounds PUT /files bodies.
const maxUploadSize = 64 * units.MiB

// remotePath reads ?path=, which must be absolute.
func remotePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.URL.Query().Get("path")
	if p == "" || !path.IsAbs(p) {
		writeError(w, http.StatusBadRequest, "path must be absolute")
		return "", false
	}
	return path.Clean(p), true
}

func ListFiles(w http.ResponseWriter, r *http.Request) {
	p, ok := remotePath(w, r)
	if !ok {
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := Files.List(r.Context(), dev, p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func StatFile(w http.ResponseWriter, r *http.Request) {
	p, ok := remotePath(w, r)
	if !ok {
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	entry, err := Files.Stat(r.Context(), dev, p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func DownloadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := remotePath(w, r)
	if !ok {
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	data, err := Files.Get(r.Context(), dev, p)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(path.Base(p)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// UploadFile writes the request body to ?path=. ?mode= is octal and
// defaults to 0644.
func UploadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := remotePath(w, r)
	if !ok {
		return
	}
	mode := os.FileMode(0o644)
	if v := r.URL.Query().Get("mode"); v != "" {
		m, err := strconv.ParseUint(v, 8, 32)
		if err != nil || m > 0o7777 {
			writeError(w, http.StatusBadRequest, "Invalid mode")
			return
		}
		mode = os.FileMode(m)
	}
	data, err := readBody(r, maxUploadSize)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := Files.Put(r.Context(), dev, p, data, mode); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func CreateDirectory(w http.ResponseWriter, r *http.Request) {
	p, ok := remotePath(w, r)
	if !ok {
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := Files.Mkdir(r.Context(), dev, p); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func RemoveFile(w http.ResponseWriter, r *http.Request) {
	p, ok := remotePath(w, r)
	if !ok {
		return
	}
	if p == "/" {
		writeError(w, http.StatusBadRequest, "Refusing to remove /")
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := Files.Remove(r.Context(), dev, p); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
