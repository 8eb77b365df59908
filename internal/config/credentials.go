package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Credentials is the logged-in user's identity as written by the login
// flow. The session token authenticates every backend call and is also
// exchanged for signaling and media tokens.
type Credentials struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AuthToken   string `json:"auth_token"`
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		return errors.New("auth_token is required")
	}
	return nil
}

// LoadCredentials reads and validates the credentials file.
func LoadCredentials(path string) (Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	b = stripBOM(b)

	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// WatchCredentials watches the credentials file and emits a fresh
// Credentials whenever it is rewritten, typically on token refresh or
// re-login. Invalid intermediate states (truncated writes, editors
// writing in two steps) are skipped; only parseable credentials are
// emitted. The returned stop func releases the watcher.
func WatchCredentials(path string) (<-chan Credentials, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: most writers replace the file
	// via rename, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan Credentials, 1)
	done := make(chan struct{})
	target := filepath.Clean(path)

	go func() {
		defer close(out)
		// Coalesce bursts of events: editors and atomic-rename writers
		// fire several per save.
		var pending <-chan time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(100 * time.Millisecond)
			case <-pending:
				pending = nil
				creds, err := LoadCredentials(path)
				if err != nil {
					log.Printf("CONFIG: credentials reload skipped: %v", err)
					continue
				}
				select {
				case out <- creds:
				default:
					// Drop the stale pending value and replace it.
					select {
					case <-out:
					default:
					}
					out <- creds
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: credentials watcher: %v", err)
			case <-done:
				return
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return out, stop, nil
}
