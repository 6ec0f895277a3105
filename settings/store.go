// Package settings persists user preferences for the capture machine and
// tracks the transient orb state. Preferences survive restarts; the state
// never does, it always begins idle.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// State is the orb's current activity, for display and for the session
// capabilities the agent can query. Not persisted.
type State int

const (
	StateIdle State = iota
	StateListening
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

const (
	DefaultLanguage        = "en-US"
	DefaultAutoStopTimeout = 3 * time.Second
)

// Settings are the persisted capture preferences.
type Settings struct {
	Language        string
	AutoStopTimeout time.Duration
	AutoStopEnabled bool
}

// Patch updates only the fields that are non-nil.
type Patch struct {
	Language        *string
	AutoStopTimeout *time.Duration
	AutoStopEnabled *bool
}

type Store struct {
	db *sql.DB

	mu       sync.Mutex
	cur      Settings
	state    State
	watchers []func(State)
}

// Open loads the settings database at path, creating and migrating it as
// needed. Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("settings open: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings migrate: %w", err)
	}

	s := &Store{db: db, state: StateIdle}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings load: %w", err)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const (
	keyLanguage        = "language"
	keyAutoStopTimeout = "auto_stop_timeout_ms"
	keyAutoStopEnabled = "auto_stop_enabled"
)

func (s *Store) load() error {
	cur := Settings{
		Language:        DefaultLanguage,
		AutoStopTimeout: DefaultAutoStopTimeout,
		AutoStopEnabled: true,
	}

	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		switch key {
		case keyLanguage:
			if value != "" {
				cur.Language = value
			}
		case keyAutoStopTimeout:
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				cur.AutoStopTimeout = time.Duration(ms) * time.Millisecond
			}
		case keyAutoStopEnabled:
			cur.AutoStopEnabled = value == "true"
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = cur
	s.mu.Unlock()
	return nil
}

// Settings returns the current preferences. Cheap; reads memory, not disk.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Update applies the non-nil fields of p and persists each changed key.
func (s *Store) Update(p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Language != nil {
		if err := s.save(keyLanguage, *p.Language); err != nil {
			return err
		}
		s.cur.Language = *p.Language
	}
	if p.AutoStopTimeout != nil {
		ms := strconv.FormatInt(p.AutoStopTimeout.Milliseconds(), 10)
		if err := s.save(keyAutoStopTimeout, ms); err != nil {
			return err
		}
		s.cur.AutoStopTimeout = *p.AutoStopTimeout
	}
	if p.AutoStopEnabled != nil {
		if err := s.save(keyAutoStopEnabled, strconv.FormatBool(*p.AutoStopEnabled)); err != nil {
			return err
		}
		s.cur.AutoStopEnabled = *p.AutoStopEnabled
	}
	return nil
}

// save upserts one key. Callers hold mu.
func (s *Store) save(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, now)
	return err
}

// State returns the transient activity state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState records the new activity state and notifies watchers. Watchers
// run on the calling goroutine; keep them short.
func (s *Store) SetState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	watchers := make([]func(State), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(st)
	}
}

// OnState registers a watcher called on every state change.
func (s *Store) OnState(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

func (s *Store) Close() error {
	return s.db.Close()
}
