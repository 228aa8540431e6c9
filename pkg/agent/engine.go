package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atrium-ai/atrium/pkg/errors"
	"github.com/atrium-ai/atrium/pkg/llm"
	"github.com/atrium-ai/atrium/pkg/memory"
	"github.com/atrium-ai/atrium/pkg/skills"
	"github.com/atrium-ai/atrium/pkg/store"
)

// State names one phase of the per-request state machine.
type State string

const (
	StateStarting    State = "starting"
	StateComposing   State = "composing"
	StateStreaming   State = "streaming"
	StateDispatching State = "dispatching"
	StateObserving   State = "observing"
	StateAnswering   State = "answering"
	StateDone        State = "done"
	StateAborted     State = "aborted"
	StateFailed      State = "failed"
)

// forcedFinalDirective is injected when the iteration bound is hit.
const forcedFinalDirective = "You have reached the tool-call limit for this request. Provide your final answer now using the information you already have. Do not invoke any further skills."

// cancellationGrace bounds how long an in-flight sandbox call may keep
// running once the request is cancelled: calls whose own deadline fits
// inside the grace run to completion, longer ones are abandoned.
const cancellationGrace = 2 * time.Second

// Config carries the engine defaults; per-request values override them.
type Config struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	MaxIterations  int
	SkillTimeout   time.Duration
	RequestTimeout time.Duration
	// TitleSessions derives a title for fresh sessions from their
	// first completed exchange.
	TitleSessions bool
}

// Request is one agent completion request.
type Request struct {
	SessionID           string
	Message             string
	Model               string
	Temperature         *float64
	MaxTokens           int
	MaxIterations       int
	SkipSaveUserMessage bool
	SystemPrompt        string
	Images              []string
}

// Result is the aggregate of a non-streaming completion.
type Result struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Content    string    `json:"content"`
	Events     []Event   `json:"events"`
	SkillsUsed []string  `json:"skills_used"`
	Usage      llm.Usage `json:"usage"`
	Created    time.Time `json:"created"`
}

// Engine drives the bounded reason-act loop. One Engine serves many
// concurrent requests; each request owns its transcript and state.
type Engine struct {
	store     *store.Store
	registry  *skills.Registry
	provider  llm.StreamingProvider
	executor  *Executor
	retriever *memory.Retriever
	cfg       Config
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New creates an engine.
func New(s *store.Store, registry *skills.Registry, provider llm.StreamingProvider, executor *Executor, retriever *memory.Retriever, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.SkillTimeout <= 0 {
		cfg.SkillTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		registry:  registry,
		provider:  provider,
		executor:  executor,
		retriever: retriever,
		cfg:       cfg,
		tracer:    otel.Tracer("atrium/agent"),
		logger:    logger,
	}
}

// ExecuteStream runs one request and streams its events. The returned
// channel is closed after the terminal event; when the request is
// cancelled the channel closes without a terminal event and the final
// state is reported by FinalState on the returned run handle.
func (e *Engine) ExecuteStream(ctx context.Context, req Request) (<-chan Event, *Run, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, nil, errors.New(errors.CodeInvalidInput, "message is required", nil)
	}

	events := make(chan Event, 64)
	run := &Run{state: StateStarting}

	go func() {
		defer close(events)
		state := e.run(ctx, req, run, events)
		run.setState(state)
	}()

	return events, run, nil
}

// Execute runs one request to completion and aggregates its events.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	events, run, err := e.ExecuteStream(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{Created: time.Now().UTC()}
	for event := range events {
		result.Events = append(result.Events, event)
		switch event.Type {
		case EventAnswer:
			result.Content += event.Content
		case EventSkillCall:
			if event.SkillName != "" && !contains(result.SkillsUsed, event.SkillName) {
				result.SkillsUsed = append(result.SkillsUsed, event.SkillName)
			}
		}
	}
	result.SessionID = run.SessionID()
	result.ID = run.AssistantMessageID()
	result.Usage = run.Usage()
	if run.FinalState() == StateAborted {
		return result, errors.New(errors.CodeCancelled, "request cancelled", ctx.Err())
	}
	return result, nil
}

// Run tracks the terminal state and identifiers of one request.
type Run struct {
	state              State
	sessionID          string
	assistantMessageID string
	usage              llm.Usage
}

func (r *Run) setState(state State) { r.state = state }

// FinalState reports the terminal state; valid once the event channel
// has closed.
func (r *Run) FinalState() State { return r.state }

// SessionID returns the session the request ran against.
func (r *Run) SessionID() string { return r.sessionID }

// AssistantMessageID returns the persisted answer's message id, if any.
func (r *Run) AssistantMessageID() string { return r.assistantMessageID }

// Usage returns the accumulated token usage.
func (r *Run) Usage() llm.Usage { return r.usage }

// requestContext is the per-request mutable state.
type requestContext struct {
	req        Request
	session    *store.Session
	snapshot   *skills.Snapshot
	transcript []llm.Message
	iterations int
	maxIter    int
	forced     bool
	// sawInvocation flips once the first invocation of the request is
	// dispatched; it decides whether deltas stream as thinking.
	sawInvocation bool
	// answered holds the persisted final answer, if any.
	answered string
}

// run executes the state machine and returns the terminal state.
func (e *Engine) run(ctx context.Context, req Request, run *Run, events chan<- Event) State {
	ctx, span := e.tracer.Start(ctx, "Engine.ExecuteStream", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
	))
	defer span.End()

	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	// Starting: resolve session and persist the user message.
	rc, err := e.start(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return StateAborted
		}
		e.emitError(events, err)
		return StateFailed
	}
	run.sessionID = rc.session.ID
	span.SetAttributes(attribute.String("session.id", rc.session.ID))

	// Composing: system prompt from date, catalog, and memory.
	systemPrompt := rc.req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = rc.session.SystemPrompt
	}
	if systemPrompt == "" {
		excerpt := ""
		if e.retriever != nil {
			excerpt, err = e.retriever.Excerpt(ctx, rc.session.ID, rc.req.Message)
			if err != nil {
				e.logger.WarnContext(ctx, "memory excerpt failed",
					slog.String("error", err.Error()))
			}
		}
		systemPrompt = ComposePrompt(time.Now(), rc.snapshot.SummarizeForPrompt(), excerpt)
	}
	rc.transcript = append([]llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}, rc.transcript...)

	// The iteration loop: stream, dispatch, observe, repeat.
	for {
		final, state := e.streamOnce(ctx, rc, run, events)
		if state != "" {
			return state
		}
		if final {
			break
		}
	}

	e.maybeTitleSession(ctx, rc)
	return StateDone
}

// start loads the session, persists the user message, and captures the
// registry snapshot for the request lifetime.
func (e *Engine) start(ctx context.Context, req Request) (*requestContext, error) {
	var session *store.Session
	var err error

	if req.SessionID != "" {
		session, err = e.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
	} else {
		session, err = e.store.CreateSession(ctx, store.Session{
			Model:       firstNonEmpty(req.Model, e.cfg.Model),
			Temperature: e.cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
	}

	history, err := e.store.ListMessages(ctx, session.ID, 0)
	if err != nil {
		return nil, err
	}

	transcript := make([]llm.Message, 0, len(history)+1)
	for _, msg := range history {
		switch msg.Role {
		case "user", "assistant", "system":
			transcript = append(transcript, llm.Message{Role: llm.Role(msg.Role), Content: msg.Content})
		case "tool":
			transcript = append(transcript, llm.Message{Role: llm.RoleTool, Content: msg.Content, Name: msg.SkillName})
		}
	}

	if !req.SkipSaveUserMessage {
		userMsg := store.Message{SessionID: session.ID, Role: "user", Content: req.Message}
		if len(req.Images) > 0 {
			userMsg.Extra = map[string]any{"images": req.Images}
		}
		if _, err := e.store.AppendMessage(ctx, userMsg); err != nil {
			return nil, err
		}
	}
	transcript = append(transcript, llm.Message{Role: llm.RoleUser, Content: req.Message})

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = e.cfg.MaxIterations
	}

	return &requestContext{
		req:        req,
		session:    session,
		snapshot:   e.registry.Snapshot(),
		transcript: transcript,
		maxIter:    maxIter,
	}, nil
}

// streamOnce runs one Streaming pass. It returns final=true when the
// pass produced the final answer, or a terminal state on abort/failure.
func (e *Engine) streamOnce(ctx context.Context, rc *requestContext, run *Run, events chan<- Event) (final bool, terminal State) {
	temperature := rc.session.Temperature
	if rc.req.Temperature != nil {
		temperature = *rc.req.Temperature
	}
	model := firstNonEmpty(rc.req.Model, rc.session.Model, e.cfg.Model)
	maxTokens := rc.req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}

	chunks, err := e.provider.ChatStream(ctx, llm.ChatRequest{
		Model:       model,
		Messages:    rc.transcript,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, StateAborted
		}
		e.emitError(events, errors.New(errors.CodeLLMStream, "model stream failed", err))
		return false, StateFailed
	}

	parser := NewStreamParser()
	var response strings.Builder // the full assistant payload this pass
	var trailing strings.Builder // text after the last invocation
	var observations []skillObservation
	streamedAny := false

	handleParseEvents := func(parseEvents []ParseEvent) State {
		for _, pe := range parseEvents {
			switch {
			case pe.Text != "":
				trailing.WriteString(pe.Text)
				if !rc.sawInvocation && !rc.forced {
					events <- textEvent(EventThinking, pe.Text)
				}
			case pe.Invocation != nil:
				if rc.forced || rc.iterations >= rc.maxIter {
					// Past the bound the block is not dispatched: a
					// warning surfaces and the raw block is echoed
					// back as plain text.
					warning := newEvent(EventWarning)
					warning.SkillName = pe.Invocation.SkillName
					warning.Content = "invocation attempted after the iteration bound was reached; ignored"
					events <- warning
					trailing.WriteString(pe.Raw)
					continue
				}
				if state := e.dispatch(ctx, rc, pe.Invocation, &trailing, &observations, events); state != "" {
					return state
				}
			case pe.Malformed != "":
				warning := newEvent(EventWarning)
				warning.Content = "malformed skill invocation block"
				warning.Error = pe.Malformed
				events <- warning
				// Echo the raw block back as plain text.
				trailing.WriteString(pe.Malformed)
			}
		}
		return ""
	}

	for chunk := range chunks {
		select {
		case <-ctx.Done():
			e.persistPartial(rc, run, response.String(), streamedAny)
			return false, StateAborted
		default:
		}

		if chunk.Error != nil {
			if ctx.Err() != nil {
				e.persistPartial(rc, run, response.String(), streamedAny)
				return false, StateAborted
			}
			e.persistPartial(rc, run, response.String(), streamedAny)
			e.emitError(events, errors.New(errors.CodeLLMStream, "model stream failed", chunk.Error))
			return false, StateFailed
		}
		if chunk.Usage != nil {
			run.usage.PromptTokens += chunk.Usage.PromptTokens
			run.usage.CompletionTokens += chunk.Usage.CompletionTokens
			run.usage.TotalTokens += chunk.Usage.TotalTokens
		}
		if chunk.Content == "" {
			continue
		}
		streamedAny = true
		response.WriteString(chunk.Content)
		if state := handleParseEvents(parser.Feed(chunk.Content)); state != "" {
			return false, state
		}
	}
	if ctx.Err() != nil {
		e.persistPartial(rc, run, response.String(), streamedAny)
		return false, StateAborted
	}
	if state := handleParseEvents(parser.Finish()); state != "" {
		return false, state
	}

	if len(observations) > 0 {
		// Feed the pass back into the transcript.
		rc.transcript = append(rc.transcript, llm.Message{Role: llm.RoleAssistant, Content: response.String()})
		for _, obs := range observations {
			rc.transcript = append(rc.transcript, llm.Message{
				Role:    llm.RoleTool,
				Name:    obs.observation.SkillName,
				Content: obs.observation.Text,
			})
			toolMsg := store.Message{
				SessionID: rc.session.ID,
				Role:      "tool",
				Content:   obs.observation.Text,
				SkillName: obs.observation.SkillName,
				EventType: string(EventSkillResult),
				Extra:     obs.observation.Raw,
			}
			if _, err := e.store.AppendMessage(ctx, toolMsg); err != nil {
				if ctx.Err() != nil {
					return false, StateAborted
				}
				e.emitError(events, err)
				return false, StateFailed
			}
		}

		// Text after the last block closes out the request: the model
		// already chose to answer alongside its invocation.
		if strings.TrimSpace(trailing.String()) == "" {
			if rc.iterations >= rc.maxIter && !rc.forced {
				// Iteration bound hit: one forced final pass.
				rc.forced = true
				rc.transcript = append(rc.transcript, llm.Message{Role: llm.RoleSystem, Content: forcedFinalDirective})
				e.logger.InfoContext(ctx, "iteration bound reached, forcing final answer",
					slog.Int("iterations", rc.iterations),
					slog.String("session_id", rc.session.ID),
				)
			}
			return false, ""
		}
	}

	// Answering: the trailing text of this pass is the final answer.
	answer := trailing.String()
	if strings.TrimSpace(answer) == "" {
		events <- newEvent(EventDone)
		return true, ""
	}
	msg, err := e.store.AppendMessage(ctx, store.Message{
		SessionID: rc.session.ID,
		Role:      "assistant",
		Content:   answer,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, StateAborted
		}
		e.emitError(events, err)
		return false, StateFailed
	}
	run.assistantMessageID = msg.ID
	rc.answered = answer
	events <- textEvent(EventAnswer, answer)
	events <- newEvent(EventDone)
	return true, ""
}

type skillObservation struct {
	invocation  *Invocation
	observation Observation
}

// dispatch executes one invocation mid-stream and emits its events.
func (e *Engine) dispatch(ctx context.Context, rc *requestContext, inv *Invocation, trailing *strings.Builder, observations *[]skillObservation, events chan<- Event) State {
	// Text seen so far this pass was reasoning, not the answer.
	if flushed := trailing.String(); flushed != "" && rc.sawInvocation {
		events <- textEvent(EventThinking, flushed)
	}
	trailing.Reset()
	rc.sawInvocation = true

	call := newEvent(EventSkillCall)
	call.SkillName = inv.SkillName
	call.Content = fmt.Sprintf("calling skill %s", inv.SkillName)
	call.Code = preview(inv.Code, 200)
	events <- call

	exec := newEvent(EventCodeExecute)
	exec.SkillName = inv.SkillName
	exec.Code = inv.Code
	events <- exec

	// A call whose own deadline fits inside the cancellation grace is
	// detached from the request's cancel signal so it can complete;
	// anything longer is abandoned the moment the caller aborts.
	parent := ctx
	if e.executor.timeout < cancellationGrace {
		parent = context.WithoutCancel(ctx)
	}
	callCtx, cancel := context.WithTimeout(parent, e.executor.timeout+5*time.Second)
	observation := e.executor.Execute(callCtx, rc.snapshot, *inv)
	cancel()
	if ctx.Err() != nil {
		return StateAborted
	}

	codeResult := newEvent(EventCodeResult)
	codeResult.SkillName = inv.SkillName
	codeResult.Result = observation.Raw
	events <- codeResult

	result := newEvent(EventSkillResult)
	result.SkillName = inv.SkillName
	result.Content = observation.Text
	result.Result = observation.Raw
	if !observation.Success {
		result.Error = observation.Text
	}
	events <- result

	*observations = append(*observations, skillObservation{invocation: inv, observation: observation})
	rc.iterations++
	return ""
}

// persistPartial writes the partial assistant text on abort or stream
// failure. Either the message is fully written or nothing is.
func (e *Engine) persistPartial(rc *requestContext, run *Run, partial string, streamedAny bool) {
	if !streamedAny || strings.TrimSpace(partial) == "" {
		return
	}
	// The request context is gone; give the write its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := e.store.AppendMessage(ctx, store.Message{
		SessionID: rc.session.ID,
		Role:      "assistant",
		Content:   partial,
	})
	if err != nil {
		e.logger.Error("failed to persist partial assistant message",
			slog.String("session_id", rc.session.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	run.assistantMessageID = msg.ID
}

var markdownMarkers = regexp.MustCompile("[*_`#\\[\\]]")

// maybeTitleSession derives a short title for a fresh session from its
// first exchange. Best effort.
func (e *Engine) maybeTitleSession(ctx context.Context, rc *requestContext) {
	if !e.cfg.TitleSessions || rc.session.Title != "" || rc.answered == "" {
		return
	}
	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Model: firstNonEmpty(rc.req.Model, rc.session.Model, e.cfg.Model),
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Write a title of at most six words for a conversation that starts with this message. Reply with the title only, no quotes or markdown:\n\n" + preview(rc.req.Message, 200),
		}},
		Temperature: 0.7,
		MaxTokens:   50,
	})
	if err != nil {
		e.logger.DebugContext(ctx, "session title generation failed",
			slog.String("error", err.Error()))
		return
	}
	title := strings.TrimSpace(markdownMarkers.ReplaceAllString(resp.Content, ""))
	title = strings.Trim(title, "\"' ")
	if title == "" {
		return
	}
	if len(title) > 50 {
		title = title[:50]
	}
	if _, err := e.store.UpdateSession(ctx, rc.session.ID, store.SessionUpdate{Title: &title}); err != nil {
		e.logger.DebugContext(ctx, "session title update failed",
			slog.String("error", err.Error()))
	}
}

func (e *Engine) emitError(events chan<- Event, err error) {
	event := newEvent(EventError)
	event.Error = err.Error()
	events <- event
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
