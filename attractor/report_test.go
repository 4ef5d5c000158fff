// ABOUTME: Run report tests: markdown composition and the HTML endpoint.
package attractor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func reportRun() *PipelineRun {
	ctx := NewContext()
	ctx.Set("answer", 42)
	return &PipelineRun{
		ID:        "rep-1",
		Status:    "completed",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Result: &RunResult{
			CompletedNodes: []string{"start", "work"},
			NodeOutcomes: map[string]*Outcome{
				"start": {Status: StatusSuccess},
				"work":  {Status: StatusPartialSuccess, Notes: "two of three checks"},
			},
			Context: ctx,
		},
		Events: []EngineEvent{
			{Type: EventPipelineStarted, Timestamp: time.Now()},
			{Type: EventStageStarted, NodeID: "start", Timestamp: time.Now()},
			{Type: EventStageStarted, NodeID: "work", Timestamp: time.Now()},
		},
	}
}

func TestBuildRunReportSections(t *testing.T) {
	md := BuildRunReport(reportRun())

	for _, want := range []string{
		"# Pipeline Run rep-1",
		"**Status:** completed",
		"## Stages",
		"| 2 | `work` | partial_success | two of three checks |",
		"## Events",
		"3 events total.",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q:\n%s", want, md)
		}
	}
}

func TestBuildRunReportFailedRun(t *testing.T) {
	run := &PipelineRun{
		ID:        "rep-2",
		Status:    "failed",
		Error:     "stage work exploded",
		CreatedAt: time.Now(),
	}
	md := BuildRunReport(run)
	if !strings.Contains(md, "stage work exploded") {
		t.Errorf("error missing:\n%s", md)
	}
	if strings.Contains(md, "## Stages") {
		t.Error("stage table without a result")
	}
}

func TestRenderReportHTML(t *testing.T) {
	page, err := RenderReportHTML(BuildRunReport(reportRun()))
	if err != nil {
		t.Fatalf("RenderReportHTML: %v", err)
	}
	html := string(page)
	if !strings.Contains(html, "<h1") || !strings.Contains(html, "<table") {
		t.Errorf("html = %s", html)
	}
	if !strings.Contains(html, "partial_success") {
		t.Error("stage data missing from html")
	}
}

func TestReportEndpoint(t *testing.T) {
	engine := NewEngine(EngineConfig{})
	server := NewPipelineServer(engine)
	run := reportRun()
	server.pipelines[run.ID] = run

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest("GET", "/pipelines/rep-1/report", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest("GET", "/pipelines/rep-1/report?format=md", nil))
	if !strings.Contains(rec.Body.String(), "# Pipeline Run rep-1") {
		t.Errorf("markdown body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest("GET", "/pipelines/ghost/report", nil))
	if rec.Code != 404 {
		t.Errorf("missing run status = %d", rec.Code)
	}
}
