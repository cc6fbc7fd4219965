// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package resolver

import (
	"sort"
	"sync"
)

// AccountLocks hands out one exclusive in-process lock per account name. The
// zero value is ready to use.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock blocks until account is exclusively held and returns its release.
func (l *AccountLocks) Lock(account string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	m, ok := l.locks[account]
	if !ok {
		m = &sync.Mutex{}
		l.locks[account] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

var defaultLocks = &AccountLocks{}

// lockAccounts acquires the in-process lock and then the file-access lock for
// every distinct non-empty account, in name order so that concurrent
// resolutions touching the same accounts cannot deadlock. The returned
// release undoes the acquisitions in reverse.
func lockAccounts(locks *AccountLocks, files FileAccess, accounts ...string) (release func(), err error) {
	uniq := map[string]bool{}
	var names []string
	for _, a := range accounts {
		if a == "" || uniq[a] {
			continue
		}
		uniq[a] = true
		names = append(names, a)
	}
	sort.Strings(names)

	var held []func()
	release = func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, name := range names {
		held = append(held, locks.Lock(name))
		unlock, err := files.Lock(name)
		if err != nil {
			release()
			return func() {}, &FileAccessError{Account: name, Path: "lock", Err: err}
		}
		held = append(held, unlock)
	}
	return release, nil
}
