// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import "strings"

// Lines splits an authorized_keys blob into its non-empty lines, preserving
// order. CRLF line endings are tolerated.
func Lines(blob string) []string {
	if blob == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Merge appends every discovered key not already present in existing and
// returns the result joined by newlines, without a trailing newline.
// Comparison is whole-line and byte-exact. Existing lines keep their order and
// come first; discovered keys follow in first-seen order. Merge is idempotent:
// Merge(Merge(x, k), k) == Merge(x, k).
func Merge(existing string, discovered []string) string {
	lines := Lines(existing)
	seen := make(map[string]struct{}, len(lines)+len(discovered))
	out := make([]string, 0, len(lines)+len(discovered))
	for _, l := range lines {
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	for _, k := range discovered {
		// a discovered entry may itself carry several lines
		for _, l := range Lines(k) {
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
