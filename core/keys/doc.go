// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keys merges authorized_keys content. It is pure text processing and
// knows nothing about files, accounts or the directory.
package keys
