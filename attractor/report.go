// ABOUTME: Run reports: a markdown summary of one run, served as rendered HTML
// ABOUTME: from GET /pipelines/{id}/report (?format=md for the raw markdown).
package attractor

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var reportMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// BuildRunReport composes the markdown report for a run. Caller must not
// hold run.mu.
func BuildRunReport(run *PipelineRun) string {
	run.mu.RLock()
	defer run.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "# Pipeline Run %s\n\n", run.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", run.Status)
	fmt.Fprintf(&b, "- **Submitted:** %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.Error != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", run.Error)
	}
	if run.ArtifactDir != "" {
		fmt.Fprintf(&b, "- **Artifacts:** `%s`\n", run.ArtifactDir)
	}
	b.WriteString("\n")

	if run.Result != nil {
		writeStageTable(&b, run.Result)
	}
	writeEventSummary(&b, run.Events)

	return b.String()
}

func writeStageTable(b *strings.Builder, result *RunResult) {
	if len(result.CompletedNodes) == 0 {
		return
	}
	b.WriteString("## Stages\n\n")
	b.WriteString("| # | Node | Status | Notes |\n")
	b.WriteString("|---|------|--------|-------|\n")
	for i, nodeID := range result.CompletedNodes {
		status, notes := "", ""
		if outcome := result.NodeOutcomes[nodeID]; outcome != nil {
			status = string(outcome.Status)
			notes = strings.ReplaceAll(outcome.Notes, "\n", " ")
		}
		fmt.Fprintf(b, "| %d | `%s` | %s | %s |\n", i+1, nodeID, status, notes)
	}
	b.WriteString("\n")
}

func writeEventSummary(b *strings.Builder, events []EngineEvent) {
	if len(events) == 0 {
		return
	}
	counts := map[string]int{}
	for _, evt := range events {
		counts[string(evt.Type)]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	b.WriteString("## Events\n\n")
	fmt.Fprintf(b, "%d events total.\n\n", len(events))
	for _, t := range types {
		fmt.Fprintf(b, "- `%s`: %d\n", t, counts[t])
	}
	b.WriteString("\n")
}

// RenderReportHTML converts report markdown into a standalone HTML page.
func RenderReportHTML(markdown string) ([]byte, error) {
	var body bytes.Buffer
	if err := reportMarkdown.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	page.WriteString("<title>Pipeline Run Report</title>\n")
	page.WriteString("<style>body{font-family:sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.3rem .6rem}</style>\n")
	page.WriteString("</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.Bytes(), nil
}

// handleRunReport serves the run report, HTML by default.
func (s *PipelineServer) handleRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	markdown := BuildRunReport(run)
	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(markdown))
		return
	}

	page, err := RenderReportHTML(markdown)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
