// ABOUTME: Glue between the engine and the monitor: events become tea messages,
// ABOUTME: human-gate questions block on a reply channel fed by the input field.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basaltrun/attractor/attractor"
)

// EngineEventMsg wraps one engine event for the Update loop.
type EngineEventMsg struct {
	Event attractor.EngineEvent
}

// QuestionMsg surfaces a human-gate question; the answer goes back on Reply.
type QuestionMsg struct {
	Question string
	Options  []string
	Reply    chan<- string
}

// RunDoneMsg reports the engine's final result.
type RunDoneMsg struct {
	Err error
}

// EventHandler adapts a program's Send into an engine event handler.
func EventHandler(send func(tea.Msg)) func(attractor.EngineEvent) {
	return func(evt attractor.EngineEvent) {
		send(EngineEventMsg{Event: evt})
	}
}

// GateInterviewer satisfies attractor.Interviewer by routing questions into
// the monitor and blocking until the user answers or the run is cancelled.
type GateInterviewer struct {
	send func(tea.Msg)
}

func NewGateInterviewer(send func(tea.Msg)) *GateInterviewer {
	return &GateInterviewer{send: send}
}

func (g *GateInterviewer) Ask(ctx context.Context, questionText string, options []string) (string, error) {
	reply := make(chan string, 1)
	g.send(QuestionMsg{Question: questionText, Options: options, Reply: reply})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case answer := <-reply:
		return answer, nil
	}
}

// WireInterviewer attaches the gate interviewer to the engine's human-wait
// handler, when one is registered.
func WireInterviewer(engine *attractor.Engine, interviewer attractor.Interviewer) {
	handler := engine.GetHandler("wait.human")
	if handler == nil {
		return
	}
	if hh, ok := handler.(*attractor.WaitForHumanHandler); ok {
		hh.Interviewer = interviewer
	}
}

var _ attractor.Interviewer = (*GateInterviewer)(nil)
