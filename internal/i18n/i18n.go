// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package i18n translates the user-facing strings of the keymaster-dsh CLI.
// Locale files are embedded from locales/active.<tag>.yaml.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

var (
	mu        sync.RWMutex
	bundle    *i18n.Bundle
	localizer *i18n.Localizer
	current   string
	available map[string]string
)

// Init loads every embedded locale and activates lang. Unknown languages
// fall back to English per message.
func Init(lang string) {
	b := i18n.NewBundle(language.English)
	b.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	found := map[string]string{}
	files, _ := fs.ReadDir(localeFS, "locales")
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + f.Name())
		if err != nil {
			continue
		}
		mf, err := b.ParseMessageFileBytes(data, f.Name())
		if err != nil {
			continue
		}
		tag := mf.Tag.String()
		found[tag] = displayName(mf.Tag)
	}

	mu.Lock()
	defer mu.Unlock()
	bundle = b
	localizer = i18n.NewLocalizer(b, lang)
	current = lang
	available = found
}

func displayName(tag language.Tag) string {
	name := display.Self.Name(tag)
	if name == "" {
		return tag.String()
	}
	return name
}

// SetLang changes the active language.
func SetLang(lang string) {
	Init(lang)
}

// GetLang returns the active language tag as passed to Init.
func GetLang() string {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// GetAvailableLocales maps each embedded locale tag to its native name.
func GetAvailableLocales() map[string]string {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]string, len(available))
	for k, v := range available {
		out[k] = v
	}
	return out
}

func ensure() {
	mu.RLock()
	ready := localizer != nil
	mu.RUnlock()
	if !ready {
		Init("en")
	}
}

// T translates messageID. A single map argument is used as template data;
// any other arguments are applied to the translation with fmt.Sprintf. An
// unknown ID is returned as is.
func T(messageID string, args ...any) string {
	ensure()
	mu.RLock()
	l := localizer
	mu.RUnlock()

	cfg := &i18n.LocalizeConfig{MessageID: messageID}
	if len(args) == 1 {
		if data, ok := args[0].(map[string]any); ok {
			cfg.TemplateData = data
			args = nil
		}
	}
	msg, err := l.Localize(cfg)
	if err != nil {
		msg = messageID
	}
	if len(args) > 0 && strings.Contains(msg, "%") {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}
