// Package state persists the client's login token between invocations.
//
// The state file is a small JSON object kept under the project's cache
// directory. Loading never fails: a missing file is the normal first run
// and a corrupt file is reported and replaced by defaults.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pithecene-io/pkgsync/iox"
	"github.com/pithecene-io/pkgsync/log"
)

// CacheDir is the project-relative directory holding client state.
const CacheDir = ".pkgsync/cache"

// FileName is the state file name inside CacheDir.
const FileName = "state.json"

// State is the persisted client state.
type State struct {
	// LoginToken is the server-issued token, nil when logged out.
	LoginToken *string `json:"login_token"`
}

// SetToken stores a copy of token.
func (s *State) SetToken(token string) {
	s.LoginToken = &token
}

// ClearToken forgets the login token.
func (s *State) ClearToken() {
	s.LoginToken = nil
}

// Token returns the token, or "" when logged out.
func (s *State) Token() string {
	if s.LoginToken == nil {
		return ""
	}
	return *s.LoginToken
}

// Store loads and saves State at a fixed path.
type Store struct {
	path   string
	logger *log.Logger
	warn   io.Writer
}

// NewStore creates a store for the given file path. Warnings about a
// corrupt state file go to logger and, when warn is non-nil, to the
// user-visible stream.
func NewStore(path string, logger *log.Logger, warn io.Writer) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{path: path, logger: logger, warn: warn}
}

// PathFor returns the state file path for a project root.
func PathFor(projectRoot string) string {
	return filepath.Join(projectRoot, filepath.FromSlash(CacheDir), FileName)
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. It never fails: a missing file yields
// defaults silently, an unreadable or corrupt file yields defaults after
// a warning.
func (s *Store) Load() *State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.warnReset(err)
		}
		return &State{}
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.warnReset(err)
		return &State{}
	}
	return &st
}

func (s *Store) warnReset(err error) {
	s.logger.Warn("state file unreadable, resetting to defaults", map[string]any{
		"path":  s.path,
		"error": err.Error(),
	})
	if s.warn != nil {
		_, _ = fmt.Fprintf(s.warn, "Warning: could not read %s (%v); starting from a clean state.\n", s.path, err)
	}
}

// Save writes st atomically: the JSON is written to a temporary file in
// the same directory and renamed over the target, so readers never see a
// partial file.
func (s *Store) Save(st *State) error {
	if st == nil {
		st = &State{}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			iox.DiscardRemove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		iox.DiscardClose(tmp)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	committed = true

	s.logger.Debug("state saved", map[string]any{
		"path":      s.path,
		"logged_in": st.LoginToken != nil,
	})
	return nil
}
