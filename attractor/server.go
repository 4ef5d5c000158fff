// ABOUTME: REST + SSE surface for pipeline runs: submit, status, events, cancel, human Q&A, graph render.
// ABOUTME: Routed with chi; rendering and persistence plug in through function and interface seams.
package attractor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
)

// GraphDOTFunc converts a Graph to DOT text.
type GraphDOTFunc func(g *Graph) string

// GraphDOTWithStatusFunc converts a Graph to DOT text with execution-status
// color overlays.
type GraphDOTWithStatusFunc func(g *Graph, outcomes map[string]*Outcome) string

// DOTRenderFunc renders DOT text to svg or png bytes.
type DOTRenderFunc func(ctx context.Context, dotText string, format string) ([]byte, error)

// PipelineServer exposes pipeline execution over HTTP.
type PipelineServer struct {
	engine     *Engine
	pipelines  map[string]*PipelineRun
	mu         sync.RWMutex
	router     chi.Router
	eventQuery EventQuery    // optional backing store for the event query endpoints
	store      RunStateStore // optional persistence; nil keeps runs in memory only

	// ToDOT renders the graph; nil falls back to the raw source.
	ToDOT GraphDOTFunc

	// ToDOTWithStatus adds status colors; nil falls back to ToDOT.
	ToDOTWithStatus GraphDOTWithStatusFunc

	// RenderDOTSource turns DOT into svg/png; nil limits /graph to DOT text.
	RenderDOTSource DOTRenderFunc
}

// PipelineRun is the server-side record of one submitted pipeline.
type PipelineRun struct {
	ID          string
	Status      string // running | completed | failed | cancelled
	Source      string
	Result      *RunResult
	Error       string
	ArtifactDir string
	Events      []EngineEvent
	Cancel      context.CancelFunc
	Questions   []PendingQuestion
	mu          sync.RWMutex
	CreatedAt   time.Time
	answerChans map[string]chan string // question id -> waiting Ask

	// interviewer bridges HTTP answers into blocked Interviewer.Ask calls.
	interviewer *httpInterviewer
}

// PendingQuestion is one human-gate question awaiting (or holding) an answer.
type PendingQuestion struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answered bool     `json:"answered"`
	Answer   string   `json:"answer,omitempty"`
}

// PipelineStatus is the status-query response body.
type PipelineStatus struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	CompletedNodes []string  `json:"completed_nodes,omitempty"`
	ArtifactDir    string    `json:"artifact_dir,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventQueryResponse is the /events/query response body.
type EventQueryResponse struct {
	Events []EngineEvent `json:"events"`
	Total  int           `json:"total"`
}

// EventTailResponse is the /events/tail response body.
type EventTailResponse struct {
	Events []EngineEvent `json:"events"`
}

// EventSummaryResponse is the /events/summary response body.
type EventSummaryResponse struct {
	TotalEvents int            `json:"total_events"`
	ByType      map[string]int `json:"by_type"`
	ByNode      map[string]int `json:"by_node"`
	FirstEvent  string         `json:"first_event,omitempty"`
	LastEvent   string         `json:"last_event,omitempty"`
}

// SetEventQuery plugs in the store behind the event query endpoints.
func (s *PipelineServer) SetEventQuery(eq EventQuery) {
	s.eventQuery = eq
}

// NewPipelineServer builds the server and mounts all routes.
func NewPipelineServer(engine *Engine) *PipelineServer {
	s := &PipelineServer{
		engine:    engine,
		pipelines: make(map[string]*PipelineRun),
	}
	s.router = chi.NewRouter()
	s.router.Use(requestLogging)

	s.router.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleSubmitPipeline)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPipeline)
			r.Get("/events/query", s.handleQueryEvents)
			r.Get("/events/tail", s.handleTailEvents)
			r.Get("/events/summary", s.handleSummaryEvents)
			r.Get("/events", s.handleEvents)
			r.Post("/cancel", s.handleCancel)
			r.Get("/questions", s.handleGetQuestions)
			r.Post("/questions/{qid}/answer", s.handleAnswerQuestion)
			r.Get("/context", s.handleGetContext)
			r.Get("/graph", s.handleGetGraph)
			r.Get("/report", s.handleRunReport)
		})
	})
	return s
}

// ServeHTTP delegates to the chi router.
func (s *PipelineServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the mounted router.
func (s *PipelineServer) Handler() http.Handler {
	return s.router
}

// --- response plumbing ---

// writeJSON writes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError is the uniform {"error": ...} body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogging is the access-log middleware for every route.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(lw, r)
		log.Printf("%s %s %d %s\n", r.Method, r.URL.Path, lw.status, time.Since(start).Round(time.Millisecond))
	})
}

// statusWriter remembers the status code for the access log and keeps
// Flush/Unwrap working for SSE handlers.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// lookupRun fetches a run by id, writing the 404 itself when absent.
func (s *PipelineServer) lookupRun(w http.ResponseWriter, id string) (*PipelineRun, bool) {
	s.mu.RLock()
	run, ok := s.pipelines[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "pipeline not found")
	}
	return run, ok
}

// --- submission ---

// httpInterviewer parks Ask calls until an HTTP client posts the answer.
type httpInterviewer struct {
	run *PipelineRun
}

// Ask registers a pending question and blocks on its answer channel.
func (h *httpInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	qid := generateID()
	answerCh := make(chan string, 1)

	// Channel and question register in one critical section; if the question
	// were visible first, an answer could arrive with nowhere to go.
	h.run.mu.Lock()
	if h.run.answerChans == nil {
		h.run.answerChans = make(map[string]chan string)
	}
	h.run.answerChans[qid] = answerCh
	h.run.Questions = append(h.run.Questions, PendingQuestion{
		ID:       qid,
		Question: question,
		Options:  options,
	})
	h.run.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case answer := <-answerCh:
		return answer, nil
	}
}

// readPipelineSource pulls DOT text from the request: raw body, or the
// "source" field of a JSON object.
func readPipelineSource(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req struct {
			Source string `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", fmt.Errorf("invalid JSON: %s", err.Error())
		}
		return req.Source, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read body")
	}
	return string(body), nil
}

// engineForRun clones the base engine config for one run: captured events
// feed the UI, and every handler sees this run's HTTP-backed interviewer.
// The base event handler (verbose logging etc.) stays in the chain.
func (s *PipelineServer) engineForRun(run *PipelineRun) *Engine {
	engineConfig := s.engine.config
	engineConfig.RunID = run.ID

	baseHandler := engineConfig.EventHandler
	engineConfig.EventHandler = func(evt EngineEvent) {
		run.mu.Lock()
		run.Events = append(run.Events, evt)
		run.mu.Unlock()
		if baseHandler != nil {
			baseHandler(evt)
		}
	}

	sourceRegistry := engineConfig.Handlers
	if sourceRegistry == nil {
		sourceRegistry = DefaultHandlerRegistry()
	}
	engineConfig.Handlers = wrapRegistryWithInterviewer(sourceRegistry, run.interviewer)
	return NewEngine(engineConfig)
}

// handleSubmitPipeline accepts DOT source (raw body or {"source": ...}),
// validates it up front, and starts the run asynchronously.
func (s *PipelineServer) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	source, err := readPipelineSource(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if source == "" {
		writeError(w, http.StatusBadRequest, "empty pipeline source")
		return
	}

	// Parse and validate now, so syntax and structure problems come back on
	// this request instead of failing an accepted run asynchronously.
	graph, parseErr := Parse(source)
	if parseErr != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse error: %v", parseErr))
		return
	}
	graph = ApplyTransforms(graph, DefaultTransforms()...)
	if _, validErr := ValidateOrError(graph); validErr != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", validErr))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &PipelineRun{
		ID:          generateID(),
		Status:      "running",
		Source:      source,
		Cancel:      cancel,
		Questions:   make([]PendingQuestion, 0),
		CreatedAt:   time.Now(),
		answerChans: make(map[string]chan string),
	}
	run.interviewer = &httpInterviewer{run: run}

	s.mu.Lock()
	s.pipelines[run.ID] = run
	s.mu.Unlock()

	log.Printf("[pipeline %s] submitted (%d bytes)\n", run.ID, len(source))
	s.persistRunStart(run)

	pipelineEngine := s.engineForRun(run)
	go s.executeRun(ctx, pipelineEngine, run)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     run.ID,
		"status": "running",
	})
}

// executeRun drives the engine and records the terminal state.
func (s *PipelineServer) executeRun(ctx context.Context, engine *Engine, run *PipelineRun) {
	result, err := engine.Run(ctx, run.Source)

	run.mu.Lock()
	defer run.mu.Unlock()

	switch {
	case err != nil && ctx.Err() != nil:
		run.Status = "cancelled"
		log.Printf("[pipeline %s] cancelled\n", run.ID)
	case err != nil:
		run.Status = "failed"
		run.Error = err.Error()
		log.Printf("[pipeline %s] failed: %s\n", run.ID, err.Error())
	default:
		run.Status = "completed"
		completedCount := 0
		if result != nil {
			completedCount = len(result.CompletedNodes)
			if workDir := result.Context.GetString("_workdir", ""); workDir != "" {
				run.ArtifactDir = workDir
			}
		}
		log.Printf("[pipeline %s] completed (%d nodes)\n", run.ID, completedCount)
	}

	run.Result = result
	s.persistRunEnd(run)
}

// --- status + events ---

func (s *PipelineServer) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	run.mu.RLock()
	status := PipelineStatus{
		ID:          run.ID,
		Status:      run.Status,
		Error:       run.Error,
		ArtifactDir: run.ArtifactDir,
		CreatedAt:   run.CreatedAt,
	}
	if run.Result != nil {
		status.CompletedNodes = run.Result.CompletedNodes
	}
	run.mu.RUnlock()

	writeJSON(w, http.StatusOK, status)
}

// handleEvents streams a run's events as SSE, polling the in-memory event
// slice and closing once the run reaches a terminal status.
func (s *PipelineServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	sent := 0
	for {
		run.mu.RLock()
		pending := append([]EngineEvent(nil), run.Events[sent:]...)
		status := run.Status
		run.mu.RUnlock()

		for _, evt := range pending {
			emit(map[string]any{
				"type":    string(evt.Type),
				"node_id": evt.NodeID,
				"data":    evt.Data,
			})
			sent++
		}

		if status == "completed" || status == "failed" || status == "cancelled" {
			emit(map[string]string{"status": status})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// requireEventQuery 404s on missing runs and 503s when no query store is
// configured; returns false when the request is already answered.
func (s *PipelineServer) requireEventQuery(w http.ResponseWriter, id string) bool {
	if _, ok := s.lookupRun(w, id); !ok {
		return false
	}
	if s.eventQuery == nil {
		writeError(w, http.StatusServiceUnavailable, "event query not configured")
		return false
	}
	return true
}

// timeParam parses an RFC3339 query parameter; absent is nil.
func timeParam(q string) (*time.Time, error) {
	if q == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, q)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// handleQueryEvents filters the durable event log. Query params: type, node,
// since, until (RFC3339), limit, offset.
func (s *PipelineServer) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requireEventQuery(w, id) {
		return
	}

	q := r.URL.Query()
	filter := EventFilter{NodeID: q.Get("node")}
	if typeParam := q.Get("type"); typeParam != "" {
		filter.Types = []EngineEventType{EngineEventType(typeParam)}
	}

	var err error
	if filter.Since, err = timeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid since parameter: "+err.Error())
		return
	}
	if filter.Until, err = timeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid until parameter: "+err.Error())
		return
	}
	for name, dest := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if raw := q.Get(name); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s parameter: %s", name, err.Error()))
				return
			}
			*dest = v
		}
	}

	unpaginated := filter
	unpaginated.Limit = 0
	unpaginated.Offset = 0
	total, err := s.eventQuery.CountEvents(id, unpaginated)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count events: "+err.Error())
		return
	}

	events, err := s.eventQuery.QueryEvents(id, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query events: "+err.Error())
		return
	}
	if events == nil {
		events = []EngineEvent{}
	}

	writeJSON(w, http.StatusOK, EventQueryResponse{Events: events, Total: total})
}

// handleTailEvents returns the last n events (n defaults to 10).
func (s *PipelineServer) handleTailEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requireEventQuery(w, id) {
		return
	}

	n := 10
	if nParam := r.URL.Query().Get("n"); nParam != "" {
		v, err := strconv.Atoi(nParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid n parameter: "+err.Error())
			return
		}
		n = v
	}

	events, err := s.eventQuery.TailEvents(id, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tail events: "+err.Error())
		return
	}
	if events == nil {
		events = []EngineEvent{}
	}

	writeJSON(w, http.StatusOK, EventTailResponse{Events: events})
}

func (s *PipelineServer) handleSummaryEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requireEventQuery(w, id) {
		return
	}

	summary, err := s.eventQuery.SummarizeEvents(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summarize events: "+err.Error())
		return
	}

	resp := EventSummaryResponse{
		TotalEvents: summary.TotalEvents,
		ByType:      make(map[string]int, len(summary.ByType)),
		ByNode:      summary.ByNode,
	}
	for k, v := range summary.ByType {
		resp.ByType[string(k)] = v
	}
	if summary.FirstEvent != nil {
		resp.FirstEvent = summary.FirstEvent.Format(time.RFC3339Nano)
	}
	if summary.LastEvent != nil {
		resp.LastEvent = summary.LastEvent.Format(time.RFC3339Nano)
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- control + human gate ---

func (s *PipelineServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	run.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *PipelineServer) handleGetQuestions(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	run.mu.RLock()
	pending := make([]PendingQuestion, 0)
	for _, q := range run.Questions {
		if !q.Answered {
			pending = append(pending, q)
		}
	}
	run.mu.RUnlock()

	writeJSON(w, http.StatusOK, pending)
}

// readAnswer accepts a form post or a JSON {"answer": ...} body.
func readAnswer(w http.ResponseWriter, r *http.Request) (string, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		r.ParseForm()
		return r.FormValue("answer"), true
	}

	var payload struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return "", false
	}
	return payload.Answer, true
}

// handleAnswerQuestion records the answer and unblocks the stage waiting on
// the question.
func (s *PipelineServer) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	qid := chi.URLParam(r, "qid")
	run, ok := s.lookupRun(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	answer, ok := readAnswer(w, r)
	if !ok {
		return
	}
	if answer == "" {
		http.Error(w, "answer is required", http.StatusBadRequest)
		return
	}

	run.mu.Lock()
	var answerCh chan string
	found := false
	for i := range run.Questions {
		if run.Questions[i].ID == qid {
			run.Questions[i].Answered = true
			run.Questions[i].Answer = answer
			found = true
			answerCh = run.answerChans[qid]
			delete(run.answerChans, qid)
			break
		}
	}
	run.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "question not found")
		return
	}
	if answerCh != nil {
		answerCh <- answer
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

func (s *PipelineServer) handleGetContext(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	run.mu.RLock()
	result := run.Result
	run.mu.RUnlock()

	if result == nil || result.Context == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, result.Context.Snapshot())
}

// --- graph rendering ---

// runDOT picks the best available DOT representation of the run's graph.
func (s *PipelineServer) runDOT(graph *Graph, result *RunResult, source string) string {
	switch {
	case result != nil && result.NodeOutcomes != nil && s.ToDOTWithStatus != nil:
		return s.ToDOTWithStatus(graph, result.NodeOutcomes)
	case s.ToDOT != nil:
		return s.ToDOT(graph)
	}
	return source
}

func writeDOTText(w http.ResponseWriter, dotText string) {
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dotText))
}

// handleGetGraph renders the pipeline's graph. ?format=dot|svg|png, default
// svg; completed nodes get status colors when a result exists.
func (s *PipelineServer) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	run.mu.RLock()
	source := run.Source
	result := run.Result
	run.mu.RUnlock()

	if source == "" {
		writeError(w, http.StatusBadRequest, "pipeline has no source")
		return
	}
	graph, err := Parse(source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to parse pipeline source: "+err.Error())
		return
	}

	dotText := s.runDOT(graph, result, source)

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "svg"
	}
	switch format {
	case "dot":
		writeDOTText(w, dotText)

	case "svg":
		if s.RenderDOTSource == nil {
			writeDOTText(w, dotText)
			return
		}
		data, renderErr := s.RenderDOTSource(r.Context(), dotText, "svg")
		if renderErr != nil {
			// graphviz unavailable: DOT text is still useful to the caller
			writeDOTText(w, dotText)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.WriteHeader(http.StatusOK)
		w.Write(data)

	case "png":
		if s.RenderDOTSource == nil {
			writeError(w, http.StatusServiceUnavailable, "render not configured")
			return
		}
		data, renderErr := s.RenderDOTSource(r.Context(), dotText, "png")
		if renderErr != nil {
			writeError(w, http.StatusServiceUnavailable, "graphviz not available: "+renderErr.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(data)

	default:
		writeError(w, http.StatusBadRequest, "unsupported format: "+format+" (supported: dot, svg, png)")
	}
}

// --- interviewer wiring ---

// wrapRegistryWithInterviewer rebuilds a registry with every handler wrapped
// to inject interviewer into the run context before executing.
func wrapRegistryWithInterviewer(source *HandlerRegistry, interviewer Interviewer) *HandlerRegistry {
	wrapped := NewHandlerRegistry()
	for typeName, handler := range source.handlers {
		wrapped.handlers[typeName] = &interviewerInjectingHandler{
			inner:       handler,
			interviewer: interviewer,
		}
	}
	return wrapped
}

// interviewerInjectingHandler decorates a NodeHandler with an interviewer.
type interviewerInjectingHandler struct {
	inner       NodeHandler
	interviewer Interviewer
}

func (h *interviewerInjectingHandler) Type() string              { return h.inner.Type() }
func (h *interviewerInjectingHandler) InnerHandler() NodeHandler { return h.inner }

func (h *interviewerInjectingHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	pctx.Set("_interviewer", h.interviewer)
	return h.inner.Execute(ctx, node, pctx, store)
}

// generateID returns a ULID: unique, and runs sort by submission time.
func generateID() string {
	return strings.ToLower(ulid.Make().String())
}
