// ABOUTME: Post-run audit: turn a run's record + event trail into an LLM-written diagnostic narrative.
// ABOUTME: The context blob is built section by section; failure reasons always survive summarization.
package attractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basaltrun/attractor/llm"
)

// AuditRequest is everything the narrative generator needs about one run.
type AuditRequest struct {
	State   *RunState
	Events  []EngineEvent
	Graph   *Graph
	Verbose bool
}

// AuditReport carries the generated narrative.
type AuditReport struct {
	Narrative string
}

// buildAuditContext renders the run as structured text for the analyst
// prompt: metadata, flow, timeline, and (when terse) an activity summary.
func buildAuditContext(req AuditRequest) string {
	sections := []string{
		auditMetadata(req.State),
	}
	if req.Graph != nil {
		sections = append(sections, "## Pipeline Flow\n"+linearizeGraph(req.Graph)+"\n")
	}
	sections = append(sections, auditTimeline(req.Events, req.Verbose))
	if !req.Verbose {
		if summary := auditActivitySummary(req.Events); summary != "" {
			sections = append(sections, summary)
		}
	}
	return strings.Join(sections, "\n")
}

func auditMetadata(state *RunState) string {
	var b strings.Builder
	b.WriteString("## Run Metadata\n")
	fmt.Fprintf(&b, "Run ID: %s\n", state.ID)
	fmt.Fprintf(&b, "Pipeline: %s\n", state.PipelineFile)
	fmt.Fprintf(&b, "Status: %s\n", state.Status)

	duration := "unknown"
	if state.CompletedAt != nil {
		duration = state.CompletedAt.Sub(state.StartedAt).Round(100 * time.Millisecond).String()
	}
	fmt.Fprintf(&b, "Duration: %s\n", duration)

	if state.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", state.Error)
	}
	return b.String()
}

// auditTimeline renders events with offsets relative to the first one.
// Failure details always appear; tool/turn details only under verbose.
func auditTimeline(events []EngineEvent, verbose bool) string {
	var b strings.Builder
	b.WriteString("## Event Timeline\n")

	var baseTime time.Time
	for _, evt := range events {
		if baseTime.IsZero() {
			baseTime = evt.Timestamp
		}
		offset := evt.Timestamp.Sub(baseTime).Round(100 * time.Millisecond)
		line := fmt.Sprintf("+%s  [%s]", offset, evt.Type)
		if evt.NodeID != "" {
			line += " node=" + evt.NodeID
		}
		line += auditEventDetail(evt, verbose)
		b.WriteString(line + "\n")
	}
	return b.String()
}

func auditEventDetail(evt EngineEvent, verbose bool) string {
	if evt.Data == nil {
		return ""
	}
	detail := ""
	appendField := func(label, key string) {
		if v, ok := evt.Data[key]; ok {
			detail += fmt.Sprintf(" %s=%v", label, v)
		}
	}

	switch evt.Type {
	case EventStageFailed, EventPipelineFailed:
		appendField("reason", "reason")
		appendField("error", "error")
	case EventAgentToolCallStart:
		if verbose {
			appendField("tool", "tool_name")
			appendField("args", "arguments")
		}
	case EventAgentToolCallEnd:
		if verbose {
			appendField("tool", "tool_name")
			if dur, ok := evt.Data["duration_ms"]; ok {
				detail += fmt.Sprintf(" duration=%vms", dur)
			}
		}
	case EventAgentLLMTurn:
		if verbose {
			appendField("tokens", "total_tokens")
		}
	}
	return detail
}

// auditActivitySummary condenses agent activity into counts for the terse
// timeline. Empty when the run had no agent activity at all.
func auditActivitySummary(events []EngineEvent) string {
	toolCounts := map[string]int{}
	llmTurns := 0
	for _, evt := range events {
		switch evt.Type {
		case EventAgentToolCallStart:
			if name, ok := evt.Data["tool_name"].(string); ok {
				toolCounts[name]++
			}
		case EventAgentLLMTurn:
			llmTurns++
		}
	}
	if len(toolCounts) == 0 && llmTurns == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Agent Activity Summary\n")
	fmt.Fprintf(&b, "LLM turns: %d\n", llmTurns)
	for tool, count := range toolCounts {
		fmt.Fprintf(&b, "Tool %s: %d call(s)\n", tool, count)
	}
	return b.String()
}

// linearizeGraph BFS-walks from start into "a -> b -> c" form. The string is
// LLM context, not machine-readable structure.
func linearizeGraph(g *Graph) string {
	start := g.FindStartNode()
	if start == nil {
		return "(no start node found)"
	}

	visited := map[string]bool{start.ID: true}
	var path []string
	frontier := []string{start.ID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		path = append(path, current)
		for _, e := range g.OutgoingEdges(current) {
			if !visited[e.To] {
				visited[e.To] = true
				frontier = append(frontier, e.To)
			}
		}
	}
	return strings.Join(path, " -> ")
}

// auditSystemPrompt shapes the report the analyst model writes back.
const auditSystemPrompt = `You are a pipeline execution analyst for "attractor", a DOT-based AI pipeline runner.

Given the run metadata, pipeline graph, and event timeline, produce a concise audit report.

Report format (use plain text, not markdown):

SUMMARY
One paragraph: what pipeline ran, what happened, how it ended.

TIMELINE
Chronological list of key events with relative timestamps (+0.0s format).
Group repeated failures. Show each node's outcome (passed/failed/skipped).

DIAGNOSIS
Root cause analysis. Identify patterns:
- Rate limits (429 errors) — transient, suggest retry policy
- Retry loops — identify which node is looping and why
- Agent errors — tool failures, LLM errors
- Validation errors — graph structure issues
- Context cancellation — user interrupted

SUGGESTIONS
2-4 actionable next steps. Reference specific attractor flags when applicable
(e.g. -retry patient, -fix, max_node_visits, goal_gate).

Keep the report concise. Use plain language. No markdown headers — use ALL CAPS section names.`

// GenerateAudit runs the analyst prompt over the built context. The client
// must already be configured; there is no env fallback here.
func GenerateAudit(ctx context.Context, req AuditRequest, client *llm.Client) (*AuditReport, error) {
	if client == nil {
		return nil, fmt.Errorf("audit requires an LLM client — set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")
	}

	result, err := llm.Generate(ctx, llm.GenerateOptions{
		System: auditSystemPrompt,
		Prompt: buildAuditContext(req),
		Client: client,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM audit generation failed: %w", err)
	}
	return &AuditReport{Narrative: result.Text}, nil
}
