// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/internal/db"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
)

func TestRenderReport_ListsEveryHost(t *testing.T) {
	i18n.Init("en")
	report := model.ExecutionReport{
		Group:   "web",
		Command: "uptime",
		Results: []model.ExecutionResult{
			{Host: "a.example", User: "deploy", State: model.Succeeded, Stdout: []byte("up 3 days\n"), Duration: 12 * time.Millisecond},
			{Host: "b.example", User: "deploy", State: model.Failed, Reason: model.ConnectionRefused, Err: errors.New("dial tcp: connection refused")},
		},
		Succeeded: 1,
		Failed:    1,
	}
	var buf bytes.Buffer
	renderReport(&buf, report, true)
	out := buf.String()
	for _, want := range []string{"web: uptime", "deploy@a.example", "deploy@b.example", "connection refused", "1/2 succeeded, 1 failed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestRenderOutput_PrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	r := model.ExecutionResult{Host: "a.example", Stdout: []byte("one\ntwo\n"), Stderr: []byte("warn\n")}
	renderOutput(&buf, newStyles(&buf), r)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", lines)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "a.example: ") {
			t.Fatalf("line without host prefix: %q", l)
		}
	}
}

func TestRenderNodes(t *testing.T) {
	i18n.Init("en")
	var buf bytes.Buffer
	renderNodes(&buf, []model.NodeRecord{
		{Name: "admin1", Environment: "_default", AdminGroups: map[string]model.AdminMember{"web": {}, "db": {}}},
		{Name: "lonely", Environment: "prod"},
	})
	out := buf.String()
	if !strings.Contains(out, "db,web") {
		t.Fatalf("admin groups not sorted and joined:\n%s", out)
	}
	if !strings.Contains(out, "lonely") || !strings.Contains(out, "-") {
		t.Fatalf("node without groups not rendered:\n%s", out)
	}
}

func TestRenderResolved_EmptyGroup(t *testing.T) {
	i18n.Init("en")
	var buf bytes.Buffer
	renderResolved(&buf, model.ResolvedGroup{Group: "web", Environment: "_default", AdminAccount: "admin"})
	out := buf.String()
	if !strings.Contains(out, "group web (environment _default)") || strings.Count(out, "no members") != 2 {
		t.Fatalf("unexpected rendering:\n%s", out)
	}
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	renderHistory(&buf, []db.RunEntry{
		{Kind: db.RunExec, Group: "web", Detail: "uptime: 2/2 succeeded", OK: true, At: time.Now()},
		{Kind: db.RunJoin, Group: "ops", Detail: "directory unavailable", At: time.Now()},
	})
	out := buf.String()
	if !strings.Contains(out, "uptime: 2/2 succeeded") || !strings.Contains(out, "fail") {
		t.Fatalf("unexpected history:\n%s", out)
	}
}
