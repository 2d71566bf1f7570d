// Package logging tees the standard logger to a file under the data
// directory so the UI can show recent server output, and sanitizes
// device-supplied strings before they reach the log.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/webosbrew/dev-manager-desktop/internal/config"
)

// tailChunk is how much of the file ReadTail reads per step from the end.
const tailChunk = 16 * 1024

var (
	mu      sync.Mutex
	logFile *os.File
)

// Init starts writing the standard logger to stderr and config.Cfg.LogPath.
// A file larger than config.Cfg.LogMaxSize is first moved to LogPath.1.
// Failures only disable the file copy.
func Init() {
	path := config.Cfg.LogPath
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}
	rotated, err := rotate(path, config.Cfg.LogMaxSize)
	if err != nil {
		log.Printf("WARNING: log rotation: %v", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}
	mu.Lock()
	logFile = f
	mu.Unlock()
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	if rotated {
		log.Printf("Logging to file: %s (previous log moved to %s.1)", path, path)
	} else {
		log.Printf("Logging to file: %s", path)
	}
}

// rotate moves path to path.1 when it is larger than maxSize.
func rotate(path, maxSize string) (bool, error) {
	if maxSize == "" {
		return false, nil
	}
	limit, err := units.FromHumanSize(maxSize)
	if err != nil {
		return false, fmt.Errorf("bad LOG_MAX_SIZE %q: %w", maxSize, err)
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() <= limit {
		return false, nil
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return false, err
	}
	return true, nil
}

// Close detaches the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return
	}
	log.SetOutput(os.Stderr)
	logFile.Close()
	logFile = nil
}

// ReadTail returns up to n trailing lines of the log file, oldest first.
// A missing file has no lines.
func ReadTail(n int) ([]string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(config.Cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if n <= 0 {
		return nil, nil
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	// Read backwards until the buffer holds more than n newlines.
	var buf []byte
	for off := fi.Size(); off > 0 && bytes.Count(buf, []byte{'\n'}) <= n; {
		size := int64(tailChunk)
		if off < size {
			size = off
		}
		off -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, off); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read log file: %w", err)
		}
		buf = append(chunk, buf...)
	}

	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		_, err := logFile.Seek(0, io.SeekStart)
		return err
	}
	err := os.Truncate(config.Cfg.LogPath, 0)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
