// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package fileaccess

import (
	"errors"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

func newTestLocal(t *testing.T, accounts ...string) (*Local, map[string]string) {
	t.Helper()
	homes := map[string]string{}
	for _, a := range accounts {
		dir := filepath.Join(t.TempDir(), a)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir home: %v", err)
		}
		homes[a] = dir
	}
	return NewLocal(homes), homes
}

func TestLocal_WriteThenRead(t *testing.T) {
	l, homes := newTestLocal(t, "admin")

	if err := l.WriteFile("admin", ".ssh/known_hosts", []byte("h k\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := l.ReadFile("admin", ".ssh/known_hosts")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "h k\n" {
		t.Fatalf("unexpected content %q", got)
	}

	// replacing keeps a single file and leaves no temporaries behind
	if err := l.WriteFile("admin", ".ssh/known_hosts", []byte("h2 k2\n"), 0o600); err != nil {
		t.Fatalf("second WriteFile: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(homes["admin"], ".ssh"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "known_hosts" {
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only known_hosts in .ssh, got %v", names)
	}

	if runtime.GOOS != "windows" {
		st, _ := os.Stat(filepath.Join(homes["admin"], ".ssh", "known_hosts"))
		if st.Mode().Perm() != 0o600 {
			t.Fatalf("expected 0600, got %v", st.Mode().Perm())
		}
		dst, _ := os.Stat(filepath.Join(homes["admin"], ".ssh"))
		if dst.Mode().Perm() != 0o700 {
			t.Fatalf("expected .ssh to be 0700, got %v", dst.Mode().Perm())
		}
	}
}

func TestLocal_CreatesNestedGroupDir(t *testing.T) {
	l, homes := newTestLocal(t, "admin")
	if err := l.WriteFile("admin", ".dsh/group/testing", []byte("u@h\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(homes["admin"], ".dsh", "group", "testing"))
	if err != nil || string(data) != "u@h\n" {
		t.Fatalf("unexpected group file %q, err=%v", data, err)
	}
}

func TestLocal_MissingFileIsNotExist(t *testing.T) {
	l, _ := newTestLocal(t, "test")
	_, err := l.ReadFile("test", ".ssh/authorized_keys")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestLocal_RejectsEscapingPaths(t *testing.T) {
	l, _ := newTestLocal(t, "test")
	if err := l.WriteFile("test", "../outside", []byte("x"), 0o600); err == nil {
		t.Fatalf("expected escaping path to be rejected")
	}
	if _, err := l.ReadFile("test", "/etc/passwd"); err == nil {
		t.Fatalf("expected absolute path to be rejected")
	}
}

func TestLocal_MissingHomeFails(t *testing.T) {
	l := NewLocal(map[string]string{"ghost": filepath.Join(t.TempDir(), "does-not-exist")})
	if err := l.WriteFile("ghost", ".ssh/authorized_keys", []byte("k"), 0o600); err == nil {
		t.Fatalf("expected error for missing home directory")
	}
}

func TestLocal_HomeFallsBackToUserLookup(t *testing.T) {
	orig := lookupUser
	defer func() { lookupUser = orig }()
	lookupUser = func(name string) (*user.User, error) {
		if name == "svc" {
			return &user.User{Username: "svc", HomeDir: "/srv/svc"}, nil
		}
		return nil, user.UnknownUserError(name)
	}

	l := NewLocal(nil)
	if h, err := l.Home("svc"); err != nil || h != "/srv/svc" {
		t.Fatalf("unexpected home %q err=%v", h, err)
	}
	if _, err := l.Home("nobody-here"); err == nil {
		t.Fatalf("expected unknown user error")
	}
}

func TestLocal_LockSerializes(t *testing.T) {
	l, _ := newTestLocal(t, "admin")

	unlock, err := l.Lock("admin")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	var wg sync.WaitGroup
	acquired := make(chan time.Time, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		// a second handle on the same lock file must wait for the first
		u2, err := NewLocal(l.Homes).Lock("admin")
		if err != nil {
			t.Errorf("second Lock: %v", err)
			return
		}
		acquired <- time.Now()
		u2()
	}()

	time.Sleep(50 * time.Millisecond)
	released := time.Now()
	unlock()
	wg.Wait()

	select {
	case at := <-acquired:
		if at.Before(released) {
			t.Fatalf("second lock acquired before the first was released")
		}
	default:
		t.Fatalf("second lock never acquired")
	}
}
