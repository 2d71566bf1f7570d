package session

import (
	"sort"
	"sync"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
)

// registry maps tokens to live shells. Tokens of shells that ended are kept
// as tombstones for a while so late callers get Disconnected rather than
// NotFound.
type registry struct {
	mu         sync.Mutex
	shells     map[string]*Shell
	tombstones map[string]time.Time
}

func newRegistry() *registry {
	return &registry{
		shells:     make(map[string]*Shell),
		tombstones: make(map[string]time.Time),
	}
}

func (r *registry) insert(s *Shell) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shells[s.token] = s
}

// remove drops token and leaves a tombstone. It reports whether the token
// was live.
func (r *registry) remove(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shells[token]; !ok {
		return false
	}
	delete(r.shells, token)
	r.tombstones[token] = time.Now()
	return true
}

func (r *registry) get(token string) (*Shell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shells[token]; ok {
		return s, nil
	}
	if _, ok := r.tombstones[token]; ok {
		return nil, errdefs.Disconnected(nil)
	}
	return nil, errdefs.NotFound("shell " + token)
}

// list returns live shells ordered by creation time.
func (r *registry) list() []*Shell {
	r.mu.Lock()
	out := make([]*Shell, 0, len(r.shells))
	for _, s := range r.shells {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].token < out[j].token
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

func (r *registry) forDevice(name string) []*Shell {
	var out []*Shell
	for _, s := range r.list() {
		if s.dev.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// prune forgets tombstones older than cutoff and returns how many went.
func (r *registry) prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, at := range r.tombstones {
		if at.Before(cutoff) {
			delete(r.tombstones, token)
			n++
		}
	}
	return n
}
