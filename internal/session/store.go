package session

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"codeplay/internal/idgen"
)

const (
	defaultActivityCapacity = 50
	maxIDAttempts           = 16
	maxFilenameLength       = 255
	defaultFolderName       = "workspace"
)

// Store owns every live session. All reads and writes go through a single
// lock; contention is low because edits are small and infrequent.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*record
	maxSessions int
	activityCap int
	now         func() time.Time
}

type record struct {
	session  *Session
	activity *RingBuffer
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSessions caps the number of live sessions. Zero means unlimited.
func WithMaxSessions(n int) Option {
	return func(s *Store) { s.maxSessions = n }
}

// WithActivityCapacity sets how many activity entries each session keeps.
func WithActivityCapacity(n int) Option {
	return func(s *Store) { s.activityCap = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty session store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[string]*record),
		activityCap: defaultActivityCapacity,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateFilename reports whether name can be used as a workspace key.
func ValidateFilename(name string) error {
	if name == "" || len(name) > maxFilenameLength || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}

// Create allocates a new session from p. The folder structure and file map
// are reconciled so that both hold the same names: structure order wins,
// files missing from the structure are appended in sorted order.
func (s *Store) Create(p CreateParams) (*Session, error) {
	files := make(map[string]string, len(p.Files))
	for name, content := range p.Files {
		if err := ValidateFilename(name); err != nil {
			return nil, err
		}
		files[name] = content
	}

	structure := make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, name := range p.FolderStructure {
		if err := ValidateFilename(name); err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		structure = append(structure, name)
		if _, ok := files[name]; !ok {
			files[name] = ""
		}
	}

	var extra []string
	for name := range files {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	structure = append(structure, extra...)

	var current *string
	if p.CurrentFile != nil {
		if _, ok := files[*p.CurrentFile]; ok {
			name := *p.CurrentFile
			current = &name
		}
	}

	folderName := p.FolderName
	if folderName == "" {
		folderName = defaultFolderName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, s.maxSessions)
	}

	id := ""
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		candidate := idgen.New()
		if _, taken := s.sessions[candidate]; !taken && candidate != "" {
			id = candidate
			break
		}
	}
	if id == "" {
		return nil, ErrIDExhausted
	}

	sess := &Session{
		ID:              id,
		Files:           files,
		FolderStructure: structure,
		FolderName:      folderName,
		Owner:           p.Owner,
		CreatedAt:       s.now().UTC(),
		CurrentFile:     current,
	}
	s.sessions[id] = &record{
		session:  sess,
		activity: NewRingBuffer(s.activityCap),
	}
	return sess.clone(), nil
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec.session.clone(), nil
}

// Exists reports whether id names a live session.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// mutate runs fn under the write lock and bumps the revision when fn
// reports a change. When snap is non-nil it receives a copy of the result.
func (s *Store) mutate(id string, snap **Session, fn func(sess *Session) (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	changed, err := fn(rec.session)
	if err != nil {
		return false, err
	}
	if changed {
		rec.session.Revision++
	}
	if snap != nil {
		*snap = rec.session.clone()
	}
	return changed, nil
}

// ApplyFileUpdate sets a file's content. A filename missing from the folder
// structure is appended to it so the two never diverge.
func (s *Store) ApplyFileUpdate(id, filename, content string) (*Session, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}
	var snap *Session
	_, err := s.mutate(id, &snap, func(sess *Session) (bool, error) {
		if _, ok := sess.Files[filename]; !ok {
			sess.FolderStructure = append(sess.FolderStructure, filename)
		}
		sess.Files[filename] = content
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// CreateFile adds an empty file at the end of the folder structure.
func (s *Store) CreateFile(id, filename string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	_, err := s.mutate(id, nil, func(sess *Session) (bool, error) {
		if _, ok := sess.Files[filename]; ok {
			return false, fmt.Errorf("%w: %s", ErrFileExists, filename)
		}
		sess.Files[filename] = ""
		sess.FolderStructure = append(sess.FolderStructure, filename)
		return true, nil
	})
	return err
}

// RenameFile moves oldName to newName keeping its content and position.
// An unknown oldName is a no-op and reports changed == false.
func (s *Store) RenameFile(id, oldName, newName string) (bool, error) {
	if err := ValidateFilename(newName); err != nil {
		return false, err
	}
	return s.mutate(id, nil, func(sess *Session) (bool, error) {
		content, ok := sess.Files[oldName]
		if !ok || oldName == newName {
			return false, nil
		}
		if _, taken := sess.Files[newName]; taken {
			return false, fmt.Errorf("%w: %s", ErrFileExists, newName)
		}
		delete(sess.Files, oldName)
		sess.Files[newName] = content
		if i := slices.Index(sess.FolderStructure, oldName); i >= 0 {
			sess.FolderStructure[i] = newName
		}
		if sess.CurrentFile != nil && *sess.CurrentFile == oldName {
			name := newName
			sess.CurrentFile = &name
		}
		return true, nil
	})
}

// DeleteFile removes a file. Deleting an absent file is a no-op.
func (s *Store) DeleteFile(id, filename string) (bool, error) {
	return s.mutate(id, nil, func(sess *Session) (bool, error) {
		if _, ok := sess.Files[filename]; !ok {
			return false, nil
		}
		delete(sess.Files, filename)
		sess.FolderStructure = slices.DeleteFunc(sess.FolderStructure, func(n string) bool {
			return n == filename
		})
		if sess.CurrentFile != nil && *sess.CurrentFile == filename {
			sess.CurrentFile = nil
		}
		return true, nil
	})
}

// SetCurrentFile moves the active-file marker. When content is non-nil the
// file is upserted first, otherwise filename must already exist.
func (s *Store) SetCurrentFile(id, filename string, content *string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	_, err := s.mutate(id, nil, func(sess *Session) (bool, error) {
		_, exists := sess.Files[filename]
		if content != nil {
			if !exists {
				sess.FolderStructure = append(sess.FolderStructure, filename)
			}
			sess.Files[filename] = *content
		} else if !exists {
			return false, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
		}
		name := filename
		sess.CurrentFile = &name
		return true, nil
	})
	return err
}

// RecordActivity appends an entry to the session's activity history.
func (s *Store) RecordActivity(id string, a Activity) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}
	rec.activity.Write(a)
}

// Activity returns the recent activity history, oldest first.
func (s *Store) Activity(id string) ([]Activity, error) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec.activity.ReadAll(), nil
}
