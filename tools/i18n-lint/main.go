// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// i18n-lint checks that every i18n.T key used in the source exists in the
// primary locale and that every other locale carries all primary keys.
// Keys present in a locale but never used are reported as warnings.
//
// Usage (from the repository root):
//
//	go run ./tools/i18n-lint
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/toeirei/keymaster-dsh/util/mapst"
	"gopkg.in/yaml.v3"
)

const (
	localesDir    = "internal/i18n/locales"
	primaryLocale = "active.en.yaml"
)

var keyCall = regexp.MustCompile(`i18n\.T\("([^"]+)"`)

// Report is the outcome of one lint run.
type Report struct {
	// Undefined keys are used in code but absent from the primary locale.
	Undefined []string
	// Missing maps a secondary locale file to the primary keys it lacks.
	Missing map[string][]string
	// Orphaned keys are defined in the primary locale but never used.
	Orphaned []string
}

// Failed reports whether the run found errors. Orphans are warnings only.
func (r Report) Failed() bool {
	return len(r.Undefined) > 0 || len(r.Missing) > 0
}

func main() {
	report, err := Lint(".", localesDir)
	if err != nil {
		log.Fatal("i18n lint failed", "err", err)
	}
	for _, k := range report.Undefined {
		log.Error("key used but not defined", "key", k, "locale", primaryLocale)
	}
	for _, file := range mapst.SortedKeys(report.Missing) {
		for _, k := range report.Missing[file] {
			log.Error("key missing", "key", k, "locale", file)
		}
	}
	for _, k := range report.Orphaned {
		log.Warn("key defined but not used", "key", k)
	}
	if report.Failed() {
		os.Exit(1)
	}
	log.Info("locales consistent")
}

// Lint scans the Go sources under root and the locale files in locales,
// which is relative to root.
func Lint(root, locales string) (Report, error) {
	used, err := findUsedKeys(root)
	if err != nil {
		return Report{}, err
	}
	dir := filepath.Join(root, locales)
	primary, err := loadKeys(filepath.Join(dir, primaryLocale))
	if err != nil {
		return Report{}, fmt.Errorf("load primary locale: %w", err)
	}

	report := Report{
		Undefined: mapst.Missing(used, primary),
		Missing:   map[string][]string{},
		Orphaned:  mapst.Missing(primary, used),
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return Report{}, err
	}
	for _, f := range files {
		if filepath.Base(f) == primaryLocale {
			continue
		}
		keys, err := loadKeys(f)
		if err != nil {
			return Report{}, fmt.Errorf("load %s: %w", filepath.Base(f), err)
		}
		if missing := mapst.Missing(primary, keys); len(missing) > 0 {
			report.Missing[filepath.Base(f)] = missing
		}
	}
	return report, nil
}

// findUsedKeys collects the literal keys passed to i18n.T in non-test Go
// files. Hidden directories, tools and underscore-prefixed trees are skipped.
func findUsedKeys(root string) (map[string]struct{}, error) {
	keys := map[string]struct{}{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "tools" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, m := range keyCall.FindAllStringSubmatch(string(content), -1) {
			keys[m[1]] = struct{}{}
		}
		return nil
	})
	return keys, err
}

// loadKeys returns the message IDs of a locale file. Nested maps are
// flattened with dots, the way go-i18n reads them.
func loadKeys(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	keys := map[string]struct{}{}
	flatten("", doc, keys)
	return keys, nil
}

func flatten(prefix string, v any, keys map[string]struct{}) {
	m, ok := v.(map[string]any)
	if !ok {
		if prefix != "" {
			keys[prefix] = struct{}{}
		}
		return
	}
	for k, child := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		flatten(k, child, keys)
	}
}
