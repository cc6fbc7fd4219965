// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import (
	"testing"
)

func TestInitAndAvailableLocales(t *testing.T) {
	Init("en")
	if GetLang() != "en" {
		t.Fatalf("expected lang 'en', got %q", GetLang())
	}

	av := GetAvailableLocales()
	for _, k := range []string{"en", "de"} {
		if _, ok := av[k]; !ok {
			t.Fatalf("expected available locale %q to be present, got %v", k, av)
		}
	}
	if name := av["de"]; name != "Deutsch" {
		t.Fatalf("unexpected display name for de: %q", name)
	}
}

func TestT_BasicAndFormatting(t *testing.T) {
	Init("en")
	t.Cleanup(func() { Init("en") })

	if got := T("show.empty"); got != "no members" {
		t.Fatalf("expected 'no members', got %q", got)
	}

	// fmt-style formatting via non-map args
	got := T("exec.summary", 2, 3, 1, 0, 0)
	if got != "2/3 succeeded, 1 failed, 0 timed out, 0 skipped" {
		t.Fatalf("unexpected formatted translation: %q", got)
	}

	SetLang("de")
	if GetLang() != "de" {
		t.Fatalf("expected lang 'de', got %q", GetLang())
	}
	if got := T("show.empty"); got != "keine Mitglieder" {
		t.Fatalf("expected German 'keine Mitglieder', got %q", got)
	}
	if got := T("history.pruned", 4, 30); got != "4 Einträge älter als 30 Tage gelöscht" {
		t.Fatalf("unexpected German formatting: %q", got)
	}
}

func TestT_UnknownLanguageFallsBackToEnglish(t *testing.T) {
	Init("fr")
	t.Cleanup(func() { Init("en") })
	if got := T("show.empty"); got != "no members" {
		t.Fatalf("expected English fallback, got %q", got)
	}
}

func TestT_UnknownIDReturnsID(t *testing.T) {
	Init("en")
	if got := T("no.such.message", 1); got != "no.such.message" {
		t.Fatalf("expected message ID back, got %q", got)
	}
}
