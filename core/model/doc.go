// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the value types shared by the dsh group engine:
// directory node records, the derived trust material of a resolved group and
// the per-host results of a fleet command. The types are plain structs so they
// serialize cleanly to the database, NATS messages and snapshots.
package model
