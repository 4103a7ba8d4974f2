// Package profilestore persists profiler results per session in SQLite.
package profilestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/hookvm/vm"
)

var logger = commonlog.GetLogger("hookvm.profilestore")

// ErrSessionNotFound indicates no profile was saved for the session.
var ErrSessionNotFound = errors.New("session not found")

// Session describes one saved profile.
type Session struct {
	ID        string
	SavedAt   time.Time
	Functions int
}

// Store handles SQLite storage for profiler snapshots.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens or creates the store at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			saved_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS functions (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			calls INTEGER NOT NULL,
			returns INTEGER NOT NULL,
			unwinds INTEGER NOT NULL,
			suspends INTEGER NOT NULL,
			awaits INTEGER NOT NULL,
			yields INTEGER NOT NULL,
			reflective_calls INTEGER NOT NULL,
			inclusive_ns INTEGER NOT NULL,
			hot INTEGER NOT NULL,
			PRIMARY KEY (session_id, name)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating table: %w", err)
		}
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// OpenDefault opens the store at $HOOKVM_PROFILE_DB or
// ~/.hookvm/profiles.db.
func OpenDefault() (*Store, error) {
	dbPath := os.Getenv("HOOKVM_PROFILE_DB")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home dir: %w", err)
		}
		dbPath = filepath.Join(home, ".hookvm", "profiles.db")
	}
	return Open(dbPath)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save replaces the profile stored for session.
func (s *Store) Save(session string, stats []vm.FunctionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM functions WHERE session_id = ?", session); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO sessions (id, saved_at) VALUES (?, ?)",
		session, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO functions
		(session_id, name, calls, returns, unwinds, suspends, awaits, yields, reflective_calls, inclusive_ns, hot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	defer stmt.Close()

	for _, fs := range stats {
		if _, err := stmt.Exec(
			session, fs.Name,
			int64(fs.Calls), int64(fs.Returns), int64(fs.Unwinds),
			int64(fs.Suspends), int64(fs.Awaits), int64(fs.Yields),
			int64(fs.ReflectiveCalls), int64(fs.Inclusive), fs.Hot,
		); err != nil {
			return fmt.Errorf("saving %s: %w", fs.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	logger.Debugf("saved %d function profile(s) for session %s", len(stats), session)
	return nil
}

// Load returns the profile saved for session, sorted by name.
func (s *Store) Load(session string) ([]vm.FunctionStats, error) {
	var savedAt int64
	err := s.db.QueryRow("SELECT saved_at FROM sessions WHERE id = ?", session).Scan(&savedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}

	rows, err := s.db.Query(`SELECT name, calls, returns, unwinds, suspends, awaits, yields,
		reflective_calls, inclusive_ns, hot
		FROM functions WHERE session_id = ? ORDER BY name`, session)
	if err != nil {
		return nil, fmt.Errorf("querying functions: %w", err)
	}
	defer rows.Close()

	var out []vm.FunctionStats
	for rows.Next() {
		var (
			fs                                    vm.FunctionStats
			calls, returns, unwinds, suspends     int64
			awaits, yields, reflective, inclusive int64
		)
		if err := rows.Scan(&fs.Name, &calls, &returns, &unwinds, &suspends,
			&awaits, &yields, &reflective, &inclusive, &fs.Hot); err != nil {
			return nil, fmt.Errorf("scanning function: %w", err)
		}
		fs.Calls = uint64(calls)
		fs.Returns = uint64(returns)
		fs.Unwinds = uint64(unwinds)
		fs.Suspends = uint64(suspends)
		fs.Awaits = uint64(awaits)
		fs.Yields = uint64(yields)
		fs.ReflectiveCalls = uint64(reflective)
		fs.Inclusive = time.Duration(inclusive)
		out = append(out, fs)
	}
	return out, rows.Err()
}

// Sessions lists saved sessions, newest first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT s.id, s.saved_at, COUNT(f.name)
		FROM sessions s LEFT JOIN functions f ON f.session_id = s.id
		GROUP BY s.id ORDER BY s.saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			savedAt int64
		)
		if err := rows.Scan(&sess.ID, &savedAt, &sess.Functions); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.SavedAt = time.Unix(0, savedAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Delete removes the profile saved for session.
func (s *Store) Delete(session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM functions WHERE session_id = ?", session); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", session)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
