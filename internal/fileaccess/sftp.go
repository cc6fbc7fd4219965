// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package fileaccess

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/toeirei/keymaster-dsh/internal/logging"
)

// SFTPDialer opens an SFTP session logged in as account. Relative paths on
// the returned client resolve against the account's home.
type SFTPDialer func(account string) (*sftp.Client, error)

// SFTP accesses account files on a remote host. Sessions are opened lazily
// per account and reused until Close.
type SFTP struct {
	Dial SFTPDialer
	// LockTimeout bounds how long Lock waits for a held lock file.
	LockTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*sftp.Client
}

// NewSFTP returns an SFTP file access using dial.
func NewSFTP(dial SFTPDialer) *SFTP {
	return &SFTP{Dial: dial, LockTimeout: 30 * time.Second}
}

func (s *SFTP) client(account string) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[account]; ok {
		return c, nil
	}
	if s.Dial == nil {
		return nil, errors.New("no sftp dialer configured")
	}
	c, err := s.Dial(account)
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp session for %q: %w", account, err)
	}
	if s.clients == nil {
		s.clients = map[string]*sftp.Client{}
	}
	s.clients[account] = c
	return c, nil
}

// ReadFile reads a file relative to the account's home.
func (s *SFTP) ReadFile(account, rel string) ([]byte, error) {
	c, err := s.client(account)
	if err != nil {
		return nil, err
	}
	f, err := c.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remote file %s: %w", rel, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open remote file %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read from remote file %s: %w", rel, err)
	}
	return content, nil
}

// WriteFile uploads to a temporary file next to the target and renames it
// into place, so restricted accounts (e.g. command="internal-sftp") work too.
func (s *SFTP) WriteFile(account, rel string, data []byte, perm os.FileMode) error {
	c, err := s.client(account)
	if err != nil {
		return err
	}
	dir := path.Dir(rel)
	if dir != "." {
		_, statErr := c.Stat(dir)
		if err := c.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
		// only tighten a directory we created; some servers refuse setstat on directories
		if statErr != nil && path.Base(dir) == ".ssh" {
			if err := c.Chmod(dir, 0o700); err != nil {
				logging.Warnf("fileaccess: could not chmod %s for %s: %v", dir, account, err)
			}
		}
	}

	tmpPath := fmt.Sprintf("%s.keymaster-dsh.%d", rel, time.Now().UnixNano())
	f, err := c.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file on remote: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = c.Remove(tmpPath)
		return fmt.Errorf("failed to write to temporary file on remote: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = c.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file on remote: %w", err)
	}
	if err := c.Chmod(tmpPath, perm); err != nil {
		_ = c.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}
	if err := c.PosixRename(tmpPath, rel); err != nil {
		// servers without posix-rename refuse to overwrite
		logging.Debugf("fileaccess: posix-rename unavailable (%v), falling back to remove+rename", err)
		if rmErr := c.Remove(rel); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			_ = c.Remove(tmpPath)
			return fmt.Errorf("failed to replace %s: %w", rel, rmErr)
		}
		if err := c.Rename(tmpPath, rel); err != nil {
			_ = c.Remove(tmpPath)
			return fmt.Errorf("failed to rename %s into place: %w", rel, err)
		}
	}
	return nil
}

// Lock creates the account's lock file exclusively, retrying until
// LockTimeout elapses. The release removes it.
func (s *SFTP) Lock(account string) (func(), error) {
	c, err := s.client(account)
	if err != nil {
		return nil, err
	}
	if err := c.MkdirAll(path.Dir(LockFile)); err != nil {
		return nil, fmt.Errorf("failed to create remote directory for lock: %w", err)
	}
	deadline := time.Now().Add(s.LockTimeout)
	for {
		f, err := c.OpenFile(LockFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", time.Now().Unix())
			_ = f.Close()
			return func() {
				if err := c.Remove(LockFile); err != nil {
					logging.Warnf("fileaccess: removing remote lock for %s: %v", account, err)
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for remote lock of %q: %w", account, err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Close ends every open session.
func (s *SFTP) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.clients {
		_ = c.Close()
		delete(s.clients, name)
	}
}
