// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package security wraps the admin identity's private key so it is never
// logged, serialized or kept around longer than a connection needs it.
package security
