// Package agent implements the single-model and dual-model agent loops
// (SPEC_FULL.md §4.3, §4.4): the orchestration that turns one user message
// into a stream of typed chunks by repeatedly calling the model client and
// routing its tool calls through the tool executor.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/coderloop/engine/internal/checkpoint"
	"github.com/coderloop/engine/internal/chunk"
	"github.com/coderloop/engine/internal/diffengine"
	"github.com/coderloop/engine/internal/metrics"
	"github.com/coderloop/engine/internal/modelclient"
	"github.com/coderloop/engine/internal/project"
	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tasks"
	"github.com/coderloop/engine/internal/telemetry"
	"github.com/coderloop/engine/internal/toolerr"
	"github.com/coderloop/engine/internal/tools"
	"github.com/coderloop/engine/internal/tools/files"
)

const (
	maxIterations         = 25
	historyKeepVerbatim   = 20
	historyTrimKeep       = 4
	maxExplanationNudges  = 3
	consecutiveErrorNudge = 5
	maxTotalRecoveries    = 8
	taskReminderIdleTurns = 2
	reviewMinToolCalls    = 3
	reviewTemperature     = 0.2
	pausedNotice          = "Agent paused due to error. Send any message to resume."
)

var mutatingFileTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"delete_file": true,
}

// Loop runs single-agent turns over a Persistence collaborator, a model
// client, and a tool registry/executor. It is the thing exposed as the
// async chunk iterator SPEC_FULL.md §4.3 describes.
type Loop struct {
	persistence Persistence
	model       *modelclient.Client
	registry    *tools.Registry
	executor    *tools.Executor
	supervisor  *project.Supervisor
	metrics     *metrics.Metrics
	tracer      *telemetry.Tracer

	now   func() time.Time
	newID func() string
}

// NewLoop wires a Loop from its collaborators.
func NewLoop(persistence Persistence, model *modelclient.Client, registry *tools.Registry, executor *tools.Executor) *Loop {
	return &Loop{
		persistence: persistence,
		model:       model,
		registry:    registry,
		executor:    executor,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// WithSupervisor attaches a project supervisor, enabling the post-turn
// auto-start behavior in finishTurn (SPEC_FULL.md §4.5, §7). Optional: a
// Loop with no supervisor simply never auto-starts.
func (l *Loop) WithSupervisor(s *project.Supervisor) *Loop {
	l.supervisor = s
	return l
}

// WithObservability attaches the Prometheus metrics bundle and OTel tracer.
// Both are optional; a Loop without them simply skips recording.
func (l *Loop) WithObservability(m *metrics.Metrics, t *telemetry.Tracer) *Loop {
	l.metrics = m
	l.tracer = t
	return l
}

// TurnInput is everything one Run call needs: the conversation it belongs
// to, the raw user text, and the effective settings to stream with.
type TurnInput struct {
	Conversation store.Conversation
	UserText     string
	Settings     store.Settings
}

// Run executes one turn and returns a channel of chunks, closed when the
// turn completes. The last chunk is chunk.Done once the turn reaches its
// end; a turn that cannot persist the user message or load the history
// ends with an error chunk and no chunk.Done.
func (l *Loop) Run(ctx context.Context, in TurnInput) <-chan chunk.Chunk {
	out := make(chan chunk.Chunk, 16)
	go func() {
		defer close(out)
		l.runTurn(ctx, in, out)
	}()
	return out
}

type turnState struct {
	mode       store.Mode
	projectDir string
	settings   store.Settings

	messages    []modelclient.Message
	toolRecords []store.ToolCallRecord

	taskStore       *tasks.Store
	checkpointStore *checkpoint.Store
	sessionDiff     *diffengine.SessionDiff

	nudgeCount          int
	consecutiveErrors   int
	totalRecoveries     int
	lastTaskCallAt      int
	emptyResponseStreak int
	toolCallCount       int
	filesModified       bool
	forcedPause         bool
}

func (l *Loop) runTurn(ctx context.Context, in TurnInput, out chan<- chunk.Chunk) {
	conv := in.Conversation
	projectDir := conv.ProjectPath
	mode := conv.Mode
	if mode == "" {
		mode = store.ModeBuild
	}

	start := l.now()
	outcome := "completed"
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.StartTurn(ctx, string(mode), conv.ID)
		defer span.End()
	}
	defer func() {
		if l.metrics != nil {
			l.metrics.RecordTurn(string(mode), outcome, l.now().Sub(start).Seconds())
		}
	}()

	// Step 1: persist the user message; title the conversation if empty.
	if err := l.recordUserTurn(ctx, conv, in.UserText); err != nil {
		outcome = "error"
		out <- chunk.NewError(fmt.Sprintf("failed to persist user message: %v", err))
		return
	}

	// Step 2: system prompt.
	selfModNotice := ""
	if projectDir == "" {
		selfModNotice = "No project is linked to this conversation. You must not attempt to read, write, or execute anything until a project exists."
	}
	systemPrompt := BuildSystemPrompt(projectDir, string(mode), selfModNotice, false)

	// Step 3: load prior history, summarizing anything beyond the last 20.
	history, err := l.persistence.Messages(ctx, conv.ID)
	if err != nil {
		outcome = "error"
		out <- chunk.NewError(fmt.Sprintf("failed to load conversation history: %v", err))
		return
	}
	st := &turnState{
		mode:           mode,
		projectDir:     projectDir,
		settings:       in.Settings,
		sessionDiff:    diffengine.NewSessionDiff(),
		lastTaskCallAt: -taskReminderIdleTurns,
	}
	st.messages = append(st.messages, modelclient.Message{Role: "system", Content: systemPrompt})
	st.messages = append(st.messages, historyToMessages(history)...)

	if projectDir != "" {
		st.taskStore = tasks.NewStore(projectDir)
		st.checkpointStore = checkpoint.NewStore(projectDir)
	}

	// Step 4: plan-approval materialization.
	if mode == store.ModeBuild && st.taskStore != nil {
		if steps := extractApprovedPlanSteps(in.UserText); len(steps) > 0 {
			if taskList, err := st.taskStore.Materialize(steps); err == nil {
				out <- chunk.Chunk{Type: chunk.Tasks, TaskList: tasks.ToChunkView(taskList)}
			}
			if st.checkpointStore != nil {
				_, _ = st.checkpointStore.Create(fmt.Sprintf("pre-build-%d", l.now().Unix()), "pre-build", l.now().Format(time.RFC3339))
			}
		}
	}

	finalContent := l.mainLoop(ctx, st, out)

	// Steps 7-10: checkpoint, diffs, review, plan detection, persistence.
	l.finishTurn(ctx, conv, st, finalContent, out)
}

// recordUserTurn persists the incoming user message and, on a conversation's
// first turn, derives its title from the message text. Shared by the
// single-agent and dual-agent loops so both see identical history once they
// load it back via Persistence.Messages.
func (l *Loop) recordUserTurn(ctx context.Context, conv store.Conversation, text string) error {
	userMsg := store.Message{
		ID:             l.newID(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        text,
		Status:         store.MessageComplete,
		CreatedAt:      l.now(),
	}
	if err := l.persistence.AppendMessage(ctx, userMsg); err != nil {
		return err
	}
	if conv.Title == "" {
		title := text
		if len(title) > 80 {
			title = title[:80]
		}
		_ = l.persistence.SetTitle(ctx, conv.ID, title)
	}
	return nil
}

// maybeAutoStart starts the project's dev server after the first
// file-mutating turn in build mode, if it isn't already starting or
// running (SPEC_FULL.md §4.5, §7). Start failures surface as a single
// auto_start_error chunk; the turn itself is not affected either way.
func (l *Loop) maybeAutoStart(st *turnState, out chan<- chunk.Chunk) {
	if l.supervisor == nil || st.mode != store.ModeBuild || !st.filesModified || st.projectDir == "" {
		return
	}
	if current := l.supervisor.Status(st.projectDir); current.Status == project.StatusStarting || current.Status == project.StatusRunning {
		return
	}
	result, err := l.supervisor.Start(st.projectDir)
	if err != nil {
		if l.metrics != nil {
			l.metrics.RecordSupervisorStart("error")
		}
		out <- chunk.NewAutoStartError(err.Error())
		return
	}
	if l.metrics != nil {
		l.metrics.RecordSupervisorStart("started")
	}
	out <- chunk.NewAutoStart(result.Port)
}

// finishTurn runs the shared tail of a turn regardless of which loop
// produced finalContent: post-build checkpoint, auto-start, diff emission,
// optional review pass, plan-chunk detection, and terminal message
// persistence. Steps 7-10 of SPEC_FULL.md §4.3, reused verbatim by the
// dual-agent loop.
func (l *Loop) finishTurn(ctx context.Context, conv store.Conversation, st *turnState, finalContent string, out chan<- chunk.Chunk) {
	if st.mode == store.ModeBuild && st.filesModified && st.checkpointStore != nil {
		_, _ = st.checkpointStore.Create(fmt.Sprintf("post-build-%d", l.now().Unix()), "post-build", l.now().Format(time.RFC3339))
	}

	l.maybeAutoStart(st, out)

	diffs := st.sessionDiff.Diffs()
	if len(diffs) > 0 {
		out <- chunk.Chunk{Type: chunk.Diff, Diffs: diffs}
	}
	if st.mode == store.ModeBuild && !st.sessionDiff.Empty() && st.toolCallCount >= reviewMinToolCalls {
		l.runReview(ctx, st, diffs, out)
	}

	if st.mode == store.ModePlan && looksLikePlan(finalContent) {
		out <- chunk.Chunk{Type: chunk.Plan, Content: finalContent}
	}

	if st.forcedPause && !strings.Contains(finalContent, pausedNotice) {
		finalContent = strings.TrimSpace(finalContent) + "\n\n" + pausedNotice
	}

	role := store.RoleAssistant
	if st.mode == store.ModePlan {
		role = store.RolePlan
	}
	terminal := store.Message{
		ID:             l.newID(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        finalContent,
		ToolCalls:      st.toolRecords,
		Status:         store.MessageComplete,
		CreatedAt:      l.now(),
	}
	if err := l.persistence.AppendMessage(ctx, terminal); err != nil {
		out <- chunk.NewError(fmt.Sprintf("failed to persist terminal message: %v", err))
	}
	out <- chunk.NewDone()
}

// mainLoop runs step 5's iteration budget and returns the final assistant
// content once a non-tool-calls finish is reached (or the budget/forced
// pause cuts the turn short).
func (l *Loop) mainLoop(ctx context.Context, st *turnState, out chan<- chunk.Chunk) string {
	toolSchemas := toolSchemasFor(st.mode, l.registry)
	knownTools := map[string]bool{}
	for _, t := range l.registry.All() {
		knownTools[t.Name()] = true
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		out <- chunk.NewIterationStatus(iteration, maxIterations, "thinking")

		if st.taskStore != nil {
			if taskList, err := st.taskStore.Load(); err == nil && tasks.HasPending(taskList) && iteration-st.lastTaskCallAt >= taskReminderIdleTurns {
				st.messages = append(st.messages, modelclient.Message{
					Role:    "system",
					Content: "Reminder: there is a pending task list. Call task_list to check status and update it before continuing.",
				})
			}
		}

		result, err := l.streamWithRetry(ctx, st, toolSchemas, out)
		if err != nil {
			out <- chunk.NewError(fmt.Sprintf("model stream failed: %v", err))
			st.forcedPause = true
			return "Agent paused due to error."
		}

		if result.Content == "" && len(result.ToolCalls) == 0 {
			st.emptyResponseStreak++
			if st.emptyResponseStreak >= 3 {
				out <- chunk.NewError("model returned empty responses repeatedly; stopping")
				st.forcedPause = true
				return "Agent paused due to error."
			}
			continue
		}
		st.emptyResponseStreak = 0

		toolCalls := result.ToolCalls
		if len(toolCalls) == 0 {
			if rescued := rescueToolCall(result.Content, knownTools); rescued != nil {
				rescued.ID = l.newID()
				toolCalls = []store.ToolCall{*rescued}
			}
		}

		if len(toolCalls) > 0 {
			st.messages = append(st.messages, modelclient.Message{Role: "assistant", Content: result.Content, ToolCalls: toolCalls})
			l.executeToolCalls(ctx, st, toolCalls, out)
			st.advanceTaskCallMarker(toolCalls, iteration)

			if recoveryHalt(st, out) {
				return "Work stopped after repeated tool errors."
			}
			if result.FinishReason != "tool_calls" {
				return result.Content
			}
			continue
		}

		st.messages = append(st.messages, modelclient.Message{Role: "assistant", Content: result.Content})

		if st.mode == store.ModeBuild && nudgeExplanation(st, result.Content) {
			continue
		}

		if st.mode == store.ModeBuild && st.taskStore != nil {
			if taskList, err := st.taskStore.Load(); err == nil && tasks.HasPending(taskList) {
				st.messages = append(st.messages, modelclient.Message{
					Role:    "system",
					Content: "DO NOT STOP. There are still pending tasks; continue working until the task list is complete.",
				})
				continue
			}
		}
		return result.Content
	}

	out <- chunk.Chunk{Type: chunk.Content, Content: "Iteration budget exhausted; stopping with partial progress."}
	return "Iteration budget exhausted; stopping with partial progress."
}

// advanceTaskCallMarker records the iteration a task_list call happened at,
// resetting the idle-reminder counter (step 5b).
func (st *turnState) advanceTaskCallMarker(calls []store.ToolCall, iteration int) {
	for _, c := range calls {
		if c.Name == "task_list" {
			st.lastTaskCallAt = iteration
			return
		}
	}
}

// nudgeExplanation injects the build-mode "use tools" nudge (step 5f) and
// reports whether the loop should continue rather than terminate on this
// turn of pure prose.
func nudgeExplanation(st *turnState, content string) bool {
	if !looksLikeExplanation(content) || st.nudgeCount >= maxExplanationNudges {
		return false
	}
	st.nudgeCount++
	st.messages = append(st.messages, modelclient.Message{
		Role:    "system",
		Content: "Use the available tools to make the change directly instead of describing it.",
	})
	return true
}

// recoveryHalt applies step 5g's error-recovery thresholds, injecting a
// nudge at 5 consecutive error iterations and forcing a wrap-up at 8 total
// recoveries.
func recoveryHalt(st *turnState, out chan<- chunk.Chunk) bool {
	if st.consecutiveErrors < consecutiveErrorNudge {
		return false
	}
	st.consecutiveErrors = 0
	st.totalRecoveries++
	if st.totalRecoveries >= maxTotalRecoveries {
		out <- chunk.Chunk{Type: chunk.Content, Content: "Repeated tool failures; wrapping up this turn."}
		st.forcedPause = true
		return true
	}
	st.messages = append(st.messages, modelclient.Message{
		Role:    "system",
		Content: "The last several tool calls failed. Try a different approach instead of repeating the same call.",
	})
	return false
}

// executeToolCalls runs step 5e for one iteration's batch of tool calls:
// plan-mode allow-listing, diff pre/post-image capture, sequential
// execution, start/end chunk emission, and tool-message bookkeeping.
func (l *Loop) executeToolCalls(ctx context.Context, st *turnState, calls []store.ToolCall, out chan<- chunk.Chunk) {
	var resolver *files.Resolver
	if st.projectDir != "" {
		r := files.Resolver{Root: st.projectDir}
		resolver = &r
	}

	batchHadError := false
	for _, call := range calls {
		argsStr := jsonStringOf(call.Input)
		out <- chunk.NewToolCallStart(call.ID, call.Name, argsStr)

		relPath, hasPath := extractPath(call.Input)
		touchesFile := mutatingFileTools[call.Name] && hasPath && resolver != nil
		var absPath string
		if touchesFile {
			if abs, err := resolver.Resolve(relPath); err == nil {
				absPath = abs
				st.sessionDiff.TouchFromDisk(absPath, relPath)
			} else {
				touchesFile = false
			}
		}

		var res *store.ToolResult
		switch {
		case st.projectDir == "":
			res = &store.ToolResult{ToolCallID: call.ID, IsError: true,
				Content: "No project is linked to this conversation; cannot execute tools."}
		case st.mode == store.ModePlan && !planModeAllowedTools[call.Name]:
			res = &store.ToolResult{ToolCallID: call.ID, IsError: true,
				Content: "This tool is not permitted in plan mode. Only read-only investigation tools are available until the plan is approved."}
		default:
			toolStart := l.now()
			toolCtx := ctx
			var toolSpan trace.Span
			if l.tracer != nil {
				toolCtx, toolSpan = l.tracer.StartToolExecution(ctx, call.Name)
			}
			res = l.executor.ExecuteOne(toolCtx, call, func(line string) {
				out <- chunk.NewCommandOutput(call.ID, "", line)
			})
			if toolSpan != nil {
				toolSpan.End()
			}
			if l.metrics != nil {
				status := "success"
				if res.IsError {
					status = "error"
				}
				l.metrics.RecordToolExecution(call.Name, status, l.now().Sub(toolStart).Seconds())
			}
		}

		if touchesFile && !res.IsError {
			st.sessionDiff.Commit(relPath, readFileOrEmpty(absPath))
			st.filesModified = true
		}

		status := "success"
		if res.IsError {
			status = "error"
			batchHadError = true
		}

		out <- chunk.NewToolCallEnd(call.ID, call.Name, res.Content, status)
		st.messages = append(st.messages, modelclient.Message{Role: "tool", Content: res.Content, ToolCallID: call.ID})
		st.toolRecords = append(st.toolRecords, store.ToolCallRecord{
			Name: call.Name, Args: argsStr, Status: status, Result: store.TruncateResult(res.Content),
		})
		st.toolCallCount++
	}
	if batchHadError {
		st.consecutiveErrors++
	} else {
		st.consecutiveErrors = 0
	}
}

// streamWithRetry issues one model.Stream call, applying the class-based
// retry/backoff policy from SPEC_FULL.md §4.3's closing paragraph: retry
// ConnectionRefused/Timeout/ServerError5xx with exponential backoff up to
// their class budget, and ContextOverflow by trimming history and retrying
// once.
func (l *Loop) streamWithRetry(ctx context.Context, st *turnState, toolSchemas []modelclient.ToolSchema, out chan<- chunk.Chunk) (*modelclient.Result, error) {
	req := modelclient.Request{
		EndpointURL: st.settings.EndpointURL,
		APIKey:      st.settings.APIToken,
		Model:       st.settings.ModelName,
		Messages:    st.messages,
		Tools:       toolSchemas,
		MaxTokens:   st.settings.MaxTokens,
		Temperature: st.settings.Temperature,
		Stream:      true,
	}

	contextTrimmed := false
	attempt := 0
	for {
		attempt++
		cb := modelclient.Callbacks{
			OnContent: func(text string) { out <- chunk.Chunk{Type: chunk.Content, Content: text} },
		}

		callCtx := ctx
		var span trace.Span
		if l.tracer != nil {
			callCtx, span = l.tracer.StartModelCall(ctx, "single", req.Model)
		}
		callStart := l.now()
		result, err := l.model.Stream(callCtx, req, cb)
		if span != nil {
			telemetry.RecordError(span, err)
			span.End()
		}
		if l.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			l.metrics.RecordModelRequest("single", status, l.now().Sub(callStart).Seconds())
		}
		if err == nil {
			return result, nil
		}
		classified := toolerr.New("model_stream", err)

		if classified.Class == toolerr.ContextOverflow && !contextTrimmed {
			contextTrimmed = true
			req.Messages = trimHistory(req.Messages)
			st.messages = req.Messages
			continue
		}
		if !classified.Class.IsRetryable() || attempt > classified.Class.MaxRetries() {
			return nil, err
		}
		backoffs := toolerr.BackoffSchedule(classified.Class.MaxRetries())
		idx := attempt - 1
		if idx >= len(backoffs) {
			idx = len(backoffs) - 1
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffs[idx]):
		}
	}
}

// trimHistory keeps the system prompt plus the last 4 messages, inserting a
// synthetic trim note, per the ContextOverflow recovery path.
func trimHistory(messages []modelclient.Message) []modelclient.Message {
	if len(messages) == 0 {
		return messages
	}
	system := messages[0]
	tail := messages[1:]
	if len(tail) > historyTrimKeep {
		tail = tail[len(tail)-historyTrimKeep:]
	}
	trimmed := make([]modelclient.Message, 0, len(tail)+2)
	trimmed = append(trimmed, system)
	trimmed = append(trimmed, modelclient.Message{Role: "system", Content: "Earlier conversation context was trimmed to fit the model's context window."})
	trimmed = append(trimmed, tail...)
	return trimmed
}

// runReview performs step 8's non-streaming, low-temperature review pass
// over the turn's changed files.
func (l *Loop) runReview(ctx context.Context, st *turnState, diffs []chunk.FileDiff, out chan<- chunk.Chunk) {
	var paths []string
	for _, d := range diffs {
		paths = append(paths, d.Path)
	}
	prompt := fmt.Sprintf("You changed the following files this turn: %s. In 2-4 sentences, summarize what changed and flag anything that looks incomplete or risky.", strings.Join(paths, ", "))

	req := modelclient.Request{
		EndpointURL: st.settings.EndpointURL,
		APIKey:      st.settings.APIToken,
		Model:       st.settings.ModelName,
		Messages: []modelclient.Message{
			{Role: "system", Content: "You are reviewing code changes you just made."},
			{Role: "user", Content: prompt},
		},
		Temperature: reviewTemperature,
		Stream:      false,
	}
	result, err := l.model.Stream(ctx, req, modelclient.Callbacks{})
	if err != nil || result.Content == "" {
		return
	}
	out <- chunk.Chunk{Type: chunk.Review, Content: result.Content}
}

func toolSchemasFor(mode store.Mode, registry *tools.Registry) []modelclient.ToolSchema {
	all := registry.All()
	schemas := make([]modelclient.ToolSchema, 0, len(all))
	for _, t := range all {
		if mode == store.ModePlan && !planModeAllowedTools[t.Name()] {
			continue
		}
		schemas = append(schemas, modelclient.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return schemas
}

// historyToMessages converts persisted messages into modelclient.Message
// history. Tool-call records are replayed as best-effort synthetic tool
// calls purely so the model sees the shape of its own prior turns; they are
// never re-executed.
func historyToMessages(history []store.Message) []modelclient.Message {
	if len(history) > historyKeepVerbatim {
		older := history[:len(history)-historyKeepVerbatim]
		recent := history[len(history)-historyKeepVerbatim:]
		out := []modelclient.Message{{Role: "system", Content: summarizeOlderMessages(older)}}
		return append(out, convertMessages(recent)...)
	}
	return convertMessages(history)
}

func summarizeOlderMessages(older []store.Message) string {
	return fmt.Sprintf("Earlier conversation history (%d messages summarized, omitted for brevity).", len(older))
}

func convertMessages(history []store.Message) []modelclient.Message {
	out := make([]modelclient.Message, 0, len(history))
	for _, m := range history {
		role := string(m.Role)
		if m.Role == store.RolePlan {
			role = "assistant"
		}
		msg := modelclient.Message{Role: role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, store.ToolCall{Name: tc.Name, Input: json.RawMessage(tc.Args)})
		}
		out = append(out, msg)
	}
	return out
}

func jsonStringOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func extractPath(raw json.RawMessage) (string, bool) {
	var v struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.Path == "" {
		return "", false
	}
	return v.Path, true
}

// readFileOrEmpty reads path's content, treating a missing file as "" (the
// deletion case for diff "after" snapshots).
func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
