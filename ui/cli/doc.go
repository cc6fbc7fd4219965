// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package cli implements the keymaster-dsh command-line interface using
// Cobra. It loads configuration, wires the directory backend, file access
// and SSH transport, and delegates the work to the core packages.
package cli
