// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for keymaster-dsh.
//
// Usage:
//
//	go run . [command] [flags]
//	./keymaster-dsh join web
//	./keymaster-dsh exec web -- uptime
//
// See --help for all commands.
package main

import (
	"os"

	"github.com/toeirei/keymaster-dsh/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
