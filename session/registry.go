package session

import (
	iface "AtagDetServer/interface"
	"AtagDetServer/logger"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

// Entry guards one registered session. Do holds the entry lock for the
// duration of fn, so each session only ever sees one caller at a time.
type Entry struct {
	ID          string
	Description string
	Created     time.Time

	mu      sync.Mutex
	session *Session
}

func (e *Entry) Do(fn func(s *Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

type Info struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
	State       string    `json:"state"`
}

// Registry maps uuids to initialized sessions built from one engine
// factory.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	factory iface.BackendFactory
	options []Option
}

// NewRegistry returns an empty registry; options apply to every session it
// creates, before any per-call options.
func NewRegistry(factory iface.BackendFactory, options ...Option) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		factory: factory,
		options: options,
	}
}

// Create builds and initializes a session and returns its id. A session
// whose Init fails is not registered.
func (r *Registry) Create(description string, options ...Option) (string, error) {
	id := uuid.New().String()
	opts := slices.Concat(r.options, []Option{WithLogger(logger.Named("session").With(zap.String("id", id)))}, options)
	s := New(r.factory, opts...)
	if err := s.Init(); err != nil {
		return "", err
	}
	e := &Entry{ID: id, Description: description, Created: time.Now(), session: s}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	logger.Log().Info("session created", zap.String("id", id), zap.String("description", description))
	return id, nil
}

func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Do runs fn on the session under its entry lock.
func (r *Registry) Do(id string, fn func(s *Session) error) error {
	e, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return e.Do(fn)
}

// Destroy unregisters the session and tears it down.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	err := e.Do(func(s *Session) error { return s.Teardown() })
	logger.Log().Info("session destroyed", zap.String("id", id))
	return err
}

// List returns a snapshot ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		info := Info{ID: e.ID, Description: e.Description, Created: e.Created}
		_ = e.Do(func(s *Session) error {
			info.State = s.State().String()
			return nil
		})
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll tears down every registered session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()
	for id, e := range entries {
		_ = e.Do(func(s *Session) error { return s.Teardown() })
		logger.Log().Info("session destroyed", zap.String("id", id))
	}
}
