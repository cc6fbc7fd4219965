// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package fileaccess reads and atomically replaces credential files in
// account home directories, either on the local machine or over SFTP.
package fileaccess // import "github.com/toeirei/keymaster-dsh/internal/fileaccess"

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/toeirei/keymaster-dsh/internal/logging"
)

// LockFile is the per-account lock file, relative to the account's home.
const LockFile = ".ssh/.keymaster-dsh.lock"

// lookupUser allows tests to override account resolution.
var lookupUser = user.Lookup

// Local accesses files below local home directories.
type Local struct {
	// Homes overrides the home directory of selected accounts.
	Homes map[string]string
}

// NewLocal returns a Local with the given home overrides.
func NewLocal(homes map[string]string) *Local {
	return &Local{Homes: homes}
}

// Home returns the home directory of account.
func (l *Local) Home(account string) (string, error) {
	if h, ok := l.Homes[account]; ok && h != "" {
		return h, nil
	}
	u, err := lookupUser(account)
	if err != nil {
		return "", fmt.Errorf("could not resolve home of %q: %w", account, err)
	}
	if u.HomeDir == "" {
		return "", fmt.Errorf("account %q has no home directory", account)
	}
	return u.HomeDir, nil
}

func (l *Local) path(account, rel string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("path %q escapes the home of %q", rel, account)
	}
	home, err := l.Home(account)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, filepath.FromSlash(rel)), nil
}

// ReadFile reads a file relative to the account's home. A missing file yields
// an error satisfying errors.Is(err, fs.ErrNotExist).
func (l *Local) ReadFile(account, rel string) ([]byte, error) {
	p, err := l.path(account, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile replaces the file atomically: the content is written to a
// temporary file in the same directory, synced, chmodded and renamed into
// place. The .ssh directory is kept at 0700.
func (l *Local) WriteFile(account, rel string, data []byte, perm os.FileMode) error {
	p, err := l.path(account, rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := l.mkdirs(account, dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".keymaster-dsh.*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}
	l.chown(account, tmpPath)
	if err := os.Rename(tmpPath, p); err != nil {
		cleanup()
		return fmt.Errorf("failed to atomically replace %s: %w", p, err)
	}
	return nil
}

// Lock takes an exclusive flock on the account's lock file. It blocks until
// the lock is acquired.
func (l *Local) Lock(account string) (func(), error) {
	p, err := l.path(account, LockFile)
	if err != nil {
		return nil, err
	}
	if err := l.mkdirs(account, filepath.Dir(p)); err != nil {
		return nil, err
	}
	fl := flock.New(p)
	start := time.Now()
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", p, err)
	}
	logging.Debugf("fileaccess: locked %s in %s", p, time.Since(start))
	return func() {
		if err := fl.Unlock(); err != nil {
			logging.Warnf("fileaccess: unlock %s: %v", p, err)
		}
	}, nil
}

func (l *Local) mkdirs(account, dir string) error {
	home, err := l.Home(account)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(home, dir)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	if _, err := os.Stat(home); err != nil {
		return fmt.Errorf("home of %q not accessible: %w", account, err)
	}
	cur := home
	// create each component below home so ownership and mode can be applied
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		cur = filepath.Join(cur, part)
		mode := os.FileMode(0o755)
		if part == ".ssh" {
			mode = 0o700
		}
		if err := os.Mkdir(cur, mode); err != nil {
			if os.IsExist(err) {
				continue
			}
			return fmt.Errorf("could not create directory %s: %w", cur, err)
		}
		l.chown(account, cur)
	}
	return nil
}

// chown hands a created path to the account when running as root. Failures
// are logged only: the file content is already correct.
func (l *Local) chown(account, p string) {
	if runtime.GOOS == "windows" || os.Geteuid() != 0 {
		return
	}
	u, err := lookupUser(account)
	if err != nil {
		return
	}
	uid, err1 := strconv.Atoi(u.Uid)
	gid, err2 := strconv.Atoi(u.Gid)
	if err1 != nil || err2 != nil {
		return
	}
	if err := os.Chown(p, uid, gid); err != nil {
		logging.Warnf("fileaccess: chown %s to %s: %v", p, account, err)
	}
}
