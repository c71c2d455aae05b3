package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/coderloop/engine/internal/checkpoint"
	"github.com/coderloop/engine/internal/chunk"
	"github.com/coderloop/engine/internal/diffengine"
	"github.com/coderloop/engine/internal/modelclient"
	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tasks"
	"github.com/coderloop/engine/internal/telemetry"
	"github.com/coderloop/engine/internal/tools/files"
)

const (
	maxTasksOverallBudget = 100
	maxIterationsPerTask  = 30
	minTaskDescriptionLen = 20
	maxCoderTextNudges    = 3
	actionRepeatWarnAt    = 2
	actionRepeatBreakAt   = 3
	blockedCommandBreakAt = 2
	recentErrorWindow     = 6
	recentErrorWarnAt     = 3
	maxFileContextLines   = 300
)

// plannerSystemPrompt forbids the Planner from writing code directly: its
// only job is to decompose the request into <coder_task> blocks the Coder
// loop executes (SPEC_FULL.md §4.4).
const plannerSystemPrompt = `You are the planning half of a two-agent coding system.
You never write or edit code yourself, and you never call tools.
Break the user's request into one or more concrete, independently completable tasks.
Emit each task as a block in exactly this shape, with no prose outside the blocks when a request is ready to implement:

<coder_task>
TASK: a specific, actionable description of what to build or change (at least a full sentence)
FILES_TO_READ: comma-separated paths the coder should read for context (or "none")
FILES_TO_CREATE_OR_EDIT: comma-separated paths the coder will create or modify (or "none")
CONTEXT: anything the coder needs to know that isn't obvious from the file list
</coder_task>

If the request is ambiguous or you need the user to confirm direction first, respond with a short numbered plan instead of any <coder_task> blocks and wait for approval.`

// coderSystemPrompt frames one Coder-loop task. Unlike the single-agent
// loop's system prompt, it has no plan-mode branch: the Coder always runs
// in the full-tool-catalogue build mode, one task at a time.
const coderSystemPrompt = `You are the execution half of a two-agent coding system.
You receive one task at a time from a planner and must complete it using the available tools.
Make the change directly; do not ask the planner or the user for permission.
When you believe the task is fully done, respond with a short confirmation and stop calling tools.`

// plannerReviewSystemPrompt frames the Planner's post-execution pass.
const plannerReviewSystemPrompt = `You are reviewing work the coder half of this system just completed.
In 3-6 sentences, summarize what was accomplished across the tasks and flag anything incomplete, risky, or worth a follow-up.`

// dualApprovalPattern recognizes a broad family of plan-approval phrasings,
// looser than the single-agent loop's exact-phrase extractApprovedPlanSteps,
// since here it only nudges the Planner to proceed rather than directly
// materializing a task list itself.
var dualApprovalPattern = regexp.MustCompile(`(?i)^\s*(approved|yes[,.]?\s+(please\s+)?implement|go ahead|lgtm|looks good|ship it|do it|sounds good)\b`)

// coderTaskPattern parses one <coder_task>...</coder_task> block's four
// fields in order.
var coderTaskPattern = regexp.MustCompile(`(?is)<coder_task>\s*TASK:\s*(.*?)\s*FILES_TO_READ:\s*(.*?)\s*FILES_TO_CREATE_OR_EDIT:\s*(.*?)\s*CONTEXT:\s*(.*?)\s*</coder_task>`)

// CoderTask is one unit of work the Planner hands to the Coder loop.
type CoderTask struct {
	ID              string
	Description     string
	RelevantFiles   []string
	RelevantContext string
}

// parseCoderTasks extracts every well-formed <coder_task> block from the
// Planner's response.
func parseCoderTasks(content string, newID func() string) []CoderTask {
	matches := coderTaskPattern.FindAllStringSubmatch(content, -1)
	out := make([]CoderTask, 0, len(matches))
	for _, m := range matches {
		out = append(out, CoderTask{
			ID:              newID(),
			Description:     strings.TrimSpace(m[1]),
			RelevantFiles:   mergeFileList(m[2], m[3]),
			RelevantContext: strings.TrimSpace(m[4]),
		})
	}
	return out
}

func mergeFileList(lists ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, raw := range strings.Split(list, ",") {
			path := strings.TrimSpace(raw)
			if path == "" || strings.EqualFold(path, "none") || seen[path] {
				continue
			}
			seen[path] = true
			out = append(out, path)
		}
	}
	return out
}

// validTasks reports whether every task meets the Planner quality bar: a
// description long enough to be actionable (SPEC_FULL.md §4.4).
func validTasks(tasks []CoderTask) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if len(t.Description) < minTaskDescriptionLen {
			return false
		}
	}
	return true
}

// DualLoop runs the Planner/Coder orchestration. It embeds a *Loop to reuse
// tool execution, persistence bookkeeping, streaming/retry, review, and the
// single-agent fallback path.
type DualLoop struct {
	single *Loop
}

// NewDualLoop wraps an already-constructed single-agent Loop; its
// collaborators (persistence, model client, registry, executor) are shared.
func NewDualLoop(single *Loop) *DualLoop {
	return &DualLoop{single: single}
}

// Run executes one dual-agent turn, falling back to the single-agent loop
// whenever the Planner fails to produce usable tasks.
func (d *DualLoop) Run(ctx context.Context, in TurnInput) <-chan chunk.Chunk {
	out := make(chan chunk.Chunk, 16)
	go func() {
		defer close(out)
		d.runTurn(ctx, in, out)
	}()
	return out
}

func (d *DualLoop) runTurn(ctx context.Context, in TurnInput, out chan<- chunk.Chunk) {
	l := d.single
	conv := in.Conversation
	mode := conv.Mode
	if mode == "" {
		mode = store.ModeBuild
	}

	if err := l.recordUserTurn(ctx, conv, in.UserText); err != nil {
		out <- chunk.NewError(fmt.Sprintf("failed to persist user message: %v", err))
		return
	}

	history, err := l.persistence.Messages(ctx, conv.ID)
	if err != nil {
		out <- chunk.NewError(fmt.Sprintf("failed to load conversation history: %v", err))
		return
	}

	plannerSystem := plannerSystemPrompt + "\n\n" + digestProject(conv.ProjectPath)
	if dualApprovalPattern.MatchString(in.UserText) {
		plannerSystem += "\n\nThe user just approved the previous plan. Proceed directly to emitting <coder_task> blocks now; do not ask again."
	}
	plannerMessages := []modelclient.Message{{Role: "system", Content: plannerSystem}}
	plannerMessages = append(plannerMessages, historyToMessages(history)...)

	plannerContent, plannerErr := d.callPlanner(ctx, in.Settings, plannerMessages)
	if plannerErr != nil {
		out <- chunk.Chunk{Type: chunk.Content, Content: fmt.Sprintf("Planner unavailable (%v); falling back to single-agent mode for this turn.", plannerErr)}
		d.fallback(ctx, in, out)
		return
	}
	out <- chunk.Chunk{Type: chunk.Content, Content: plannerContent}

	coderTasks := parseCoderTasks(plannerContent, l.newID)
	if !validTasks(coderTasks) && mode == store.ModeBuild && len(coderTasks) > 0 {
		retryMessages := append(append([]modelclient.Message{}, plannerMessages...),
			modelclient.Message{Role: "assistant", Content: plannerContent},
			modelclient.Message{Role: "system", Content: fmt.Sprintf("Each task's TASK field must be at least %d characters and describe a concrete, actionable change. Re-emit the coder_task blocks.", minTaskDescriptionLen)},
		)
		if retried, err := d.callPlanner(ctx, in.Settings, retryMessages); err == nil {
			if retryTasks := parseCoderTasks(retried, l.newID); validTasks(retryTasks) {
				plannerContent = retried
				coderTasks = retryTasks
				out <- chunk.Chunk{Type: chunk.Content, Content: plannerContent}
			}
		}
	}

	if len(coderTasks) == 0 || mode != store.ModeBuild {
		// No usable tasks (a clarifying question, or a plan awaiting
		// approval), or a plan-mode turn where the Coder never runs: the
		// Planner's own content is the whole turn.
		st := &turnState{mode: mode, projectDir: conv.ProjectPath, settings: in.Settings, sessionDiff: diffengine.NewSessionDiff()}
		l.finishTurn(ctx, conv, st, plannerContent, out)
		return
	}

	coderSettings := in.Settings
	if coderSettings.CoderModelName != "" {
		coderSettings.ModelName = coderSettings.CoderModelName
	}
	st := &turnState{
		mode:        mode,
		projectDir:  conv.ProjectPath,
		settings:    coderSettings,
		sessionDiff: diffengine.NewSessionDiff(),
	}
	var persistedTaskIDs []string
	if conv.ProjectPath != "" {
		st.taskStore = tasks.NewStore(conv.ProjectPath)
		st.checkpointStore = checkpoint.NewStore(conv.ProjectPath)
		descriptions := make([]string, len(coderTasks))
		for i, t := range coderTasks {
			descriptions[i] = t.Description
		}
		if taskList, err := st.taskStore.Materialize(descriptions); err == nil {
			out <- chunk.Chunk{Type: chunk.Tasks, TaskList: tasks.ToChunkView(taskList)}
			for _, t := range taskList {
				persistedTaskIDs = append(persistedTaskIDs, t.ID)
			}
		}
		_, _ = st.checkpointStore.Create(fmt.Sprintf("pre-build-%d", l.now().Unix()), "pre-build", l.now().Format("2006-01-02T15:04:05Z07:00"))
	}

	budgetRemaining := maxTasksOverallBudget
	var summaries []taskSummary
	for i, task := range coderTasks {
		if budgetRemaining <= 0 {
			out <- chunk.Chunk{Type: chunk.Content, Content: "Overall task budget exhausted; remaining tasks were not attempted."}
			break
		}
		summary, used := d.runCoderTask(ctx, st, task, budgetRemaining, out)
		summaries = append(summaries, summary)
		budgetRemaining -= used

		if st.taskStore != nil && i < len(persistedTaskIDs) {
			_, _ = st.taskStore.Update(persistedTaskIDs[i], tasks.Completed)
			if taskList, err := st.taskStore.Load(); err == nil {
				out <- chunk.Chunk{Type: chunk.Tasks, TaskList: tasks.ToChunkView(taskList)}
			}
		}
	}

	finalContent := summarizeTaskRun(summaries)
	if review := d.runPlannerReview(ctx, in.Settings, summaries); review != "" {
		out <- chunk.Chunk{Type: chunk.Review, Content: "**[Planner Review]** " + review}
	}

	l.finishTurn(ctx, conv, st, finalContent, out)
}

// fallback delegates the rest of the turn to the single-agent loop's main
// iteration budget, reusing the history/user message already persisted.
func (d *DualLoop) fallback(ctx context.Context, in TurnInput, out chan<- chunk.Chunk) {
	l := d.single
	conv := in.Conversation
	mode := conv.Mode
	if mode == "" {
		mode = store.ModeBuild
	}

	selfModNotice := ""
	if conv.ProjectPath == "" {
		selfModNotice = "No project is linked to this conversation. You must not attempt to read, write, or execute anything until a project exists."
	}
	systemPrompt := BuildSystemPrompt(conv.ProjectPath, string(mode), selfModNotice, false)

	history, err := l.persistence.Messages(ctx, conv.ID)
	if err != nil {
		out <- chunk.NewError(fmt.Sprintf("failed to load conversation history: %v", err))
		return
	}
	st := &turnState{
		mode:           mode,
		projectDir:     conv.ProjectPath,
		settings:       in.Settings,
		sessionDiff:    diffengine.NewSessionDiff(),
		lastTaskCallAt: -taskReminderIdleTurns,
	}
	st.messages = append(st.messages, modelclient.Message{Role: "system", Content: systemPrompt})
	st.messages = append(st.messages, historyToMessages(history)...)
	if conv.ProjectPath != "" {
		st.taskStore = tasks.NewStore(conv.ProjectPath)
		st.checkpointStore = checkpoint.NewStore(conv.ProjectPath)
	}

	finalContent := l.mainLoop(ctx, st, out)
	l.finishTurn(ctx, conv, st, finalContent, out)
}

// callPlanner issues one non-tooled, low-temperature Planner call.
func (d *DualLoop) callPlanner(ctx context.Context, settings store.Settings, messages []modelclient.Message) (string, error) {
	model := settings.PlannerModelName
	if model == "" {
		model = settings.ModelName
	}
	req := modelclient.Request{
		EndpointURL: settings.EndpointURL,
		APIKey:      settings.APIToken,
		Model:       model,
		Messages:    messages,
		Temperature: reviewTemperature,
		Stream:      false,
	}
	callCtx := ctx
	var span trace.Span
	if d.single.tracer != nil {
		callCtx, span = d.single.tracer.StartModelCall(ctx, "planner", model)
	}
	start := d.single.now()
	result, err := d.single.model.Stream(callCtx, req, modelclient.Callbacks{})
	d.recordModelCall("planner", err == nil, start)
	if span != nil {
		telemetry.RecordError(span, err)
		span.End()
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Content) == "" {
		return "", fmt.Errorf("planner returned an empty response")
	}
	return result.Content, nil
}

// recordModelCall records a planner/review model-client call's metrics,
// mirroring the per-tool-call accounting executeToolCalls does for tools.
func (d *DualLoop) recordModelCall(role string, success bool, start time.Time) {
	if d.single.metrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	d.single.metrics.RecordModelRequest(role, status, d.single.now().Sub(start).Seconds())
}

// runPlannerReview issues the non-tooled review pass over a completed batch
// of Coder tasks.
func (d *DualLoop) runPlannerReview(ctx context.Context, settings store.Settings, summaries []taskSummary) string {
	var sb strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&sb, "Task %d: %s\n  tool calls: %d, files modified: %s, errors: %d, status: %s\n",
			i+1, s.description, s.toolCalls, strings.Join(s.filesModified, ", "), s.errors, s.status)
	}
	model := settings.PlannerModelName
	if model == "" {
		model = settings.ModelName
	}
	req := modelclient.Request{
		EndpointURL: settings.EndpointURL,
		APIKey:      settings.APIToken,
		Model:       model,
		Messages: []modelclient.Message{
			{Role: "system", Content: plannerReviewSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
		Temperature: reviewTemperature,
		Stream:      false,
	}
	callCtx := ctx
	var span trace.Span
	if d.single.tracer != nil {
		callCtx, span = d.single.tracer.StartModelCall(ctx, "review", model)
	}
	start := d.single.now()
	result, err := d.single.model.Stream(callCtx, req, modelclient.Callbacks{})
	d.recordModelCall("review", err == nil, start)
	if span != nil {
		telemetry.RecordError(span, err)
		span.End()
	}
	if err != nil || strings.TrimSpace(result.Content) == "" {
		return ""
	}
	return result.Content
}

type taskSummary struct {
	description   string
	toolCalls     int
	filesModified []string
	errors        int
	status        string // completed | broken | budget_exhausted
}

func summarizeTaskRun(summaries []taskSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Completed %d task(s).\n", len(summaries))
	for i, s := range summaries {
		fmt.Fprintf(&sb, "%d. %s — %s\n", i+1, s.description, s.status)
	}
	return sb.String()
}

// coderTaskState tracks per-task budget, loop-detection, and error-rate
// bookkeeping distinct from the single-agent loop's per-turn turnState.
type coderTaskState struct {
	textNudges       int
	blockedCount     int
	recentOutcomes   []bool // true = error, most recent last
	actionSignatures []string
}

func (s *coderTaskState) recordOutcome(isError bool) {
	s.recentOutcomes = append(s.recentOutcomes, isError)
	if len(s.recentOutcomes) > recentErrorWindow {
		s.recentOutcomes = s.recentOutcomes[len(s.recentOutcomes)-recentErrorWindow:]
	}
}

func (s *coderTaskState) recentErrorRateHigh() bool {
	count := 0
	for _, e := range s.recentOutcomes {
		if e {
			count++
		}
	}
	return len(s.recentOutcomes) >= recentErrorWindow && count >= recentErrorWarnAt
}

// actionSignature is sort(toolName:firstArg) joined by "|", the loop
// detection key for one iteration's batch of tool calls.
func actionSignature(calls []store.ToolCall) string {
	sigs := make([]string, 0, len(calls))
	for _, c := range calls {
		sigs = append(sigs, c.Name+":"+firstArg(c.Input))
	}
	sort.Strings(sigs)
	return strings.Join(sigs, "|")
}

func firstArg(raw json.RawMessage) string {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	for _, key := range []string{"path", "command", "query", "packages"} {
		val, ok := v[key]
		if !ok {
			continue
		}
		switch t := val.(type) {
		case string:
			return t
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		default:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}

// countTrailingRepeats counts how many signatures at the end of sigs equal
// the last one, consecutively.
func countTrailingRepeats(sigs []string) int {
	if len(sigs) == 0 {
		return 0
	}
	last := sigs[len(sigs)-1]
	count := 0
	for i := len(sigs) - 1; i >= 0; i-- {
		if sigs[i] != last {
			break
		}
		count++
	}
	return count
}

// gatherFileContext reads each relevant file up to maxFileContextLines,
// formatted for inclusion in the Coder's task prompt. Missing files are
// noted rather than causing an error, since FILES_TO_CREATE_OR_EDIT often
// names files that don't exist yet.
func gatherFileContext(projectDir string, paths []string) string {
	if projectDir == "" || len(paths) == 0 {
		return ""
	}
	resolver := files.Resolver{Root: projectDir}
	var sb strings.Builder
	for _, p := range paths {
		abs, err := resolver.Resolve(p)
		if err != nil {
			continue
		}
		content := readFileOrEmpty(abs)
		if content == "" {
			fmt.Fprintf(&sb, "--- %s (does not exist yet) ---\n", p)
			continue
		}
		lines := strings.Split(content, "\n")
		truncated := false
		if len(lines) > maxFileContextLines {
			lines = lines[:maxFileContextLines]
			truncated = true
		}
		fmt.Fprintf(&sb, "--- %s ---\n%s\n", p, strings.Join(lines, "\n"))
		if truncated {
			sb.WriteString("... [truncated]\n")
		}
	}
	return sb.String()
}

// runCoderTask executes one CoderTask to completion (or until its own or
// the overall budget runs out), reusing the single-agent loop's tool
// execution and streaming machinery against a fresh per-task message list.
// Returns a summary and the number of model iterations it spent.
func (d *DualLoop) runCoderTask(ctx context.Context, st *turnState, task CoderTask, budgetRemaining int, out chan<- chunk.Chunk) (taskSummary, int) {
	l := d.single
	maxIter := maxIterationsPerTask
	if budgetRemaining < maxIter {
		maxIter = budgetRemaining
	}

	fileContext := gatherFileContext(st.projectDir, task.RelevantFiles)
	taskPrompt := fmt.Sprintf("Task: %s\n\nContext: %s\n\nRelevant files:\n%s", task.Description, task.RelevantContext, fileContext)
	st.messages = []modelclient.Message{
		{Role: "system", Content: coderSystemPrompt},
		{Role: "user", Content: taskPrompt},
	}

	toolSchemas := toolSchemasFor(store.ModeBuild, l.registry)
	knownTools := map[string]bool{}
	for _, t := range l.registry.All() {
		knownTools[t.Name()] = true
	}

	taskState := &coderTaskState{}
	recordStart := len(st.toolRecords)
	status := "completed"
	iteration := 0

	for ; iteration < maxIter; iteration++ {
		out <- chunk.NewIterationStatus(iteration+1, maxIter, "coding")

		result, err := l.streamWithRetry(ctx, st, toolSchemas, out)
		if err != nil {
			out <- chunk.NewError(fmt.Sprintf("model stream failed: %v", err))
			status = "broken"
			break
		}
		if result.Content == "" && len(result.ToolCalls) == 0 {
			continue
		}

		toolCalls := result.ToolCalls
		if len(toolCalls) == 0 {
			if rescued := rescueToolCall(result.Content, knownTools); rescued != nil {
				rescued.ID = l.newID()
				toolCalls = []store.ToolCall{*rescued}
			}
		}

		if len(toolCalls) == 0 {
			st.messages = append(st.messages, modelclient.Message{Role: "assistant", Content: result.Content})
			if looksLikeExplanation(result.Content) && taskState.textNudges < maxCoderTextNudges {
				taskState.textNudges++
				st.messages = append(st.messages, modelclient.Message{
					Role:    "system",
					Content: "Use the available tools to make the change directly instead of describing it.",
				})
				continue
			}
			iteration++
			break
		}

		st.messages = append(st.messages, modelclient.Message{Role: "assistant", Content: result.Content, ToolCalls: toolCalls})

		sig := actionSignature(toolCalls)
		taskState.actionSignatures = append(taskState.actionSignatures, sig)
		repeatCount := countTrailingRepeats(taskState.actionSignatures)
		if repeatCount >= actionRepeatBreakAt {
			out <- chunk.Chunk{Type: chunk.Content, Content: "This task is repeating the same actions; stopping the task early."}
			status = "broken"
			iteration++
			break
		}
		if repeatCount == actionRepeatWarnAt {
			st.messages = append(st.messages, modelclient.Message{Role: "system", Content: "You are repeating the same action. Try a different approach."})
		}

		before := len(st.toolRecords)
		l.executeToolCalls(ctx, st, toolCalls, out)
		for _, rec := range st.toolRecords[before:] {
			isError := rec.Status == "error"
			taskState.recordOutcome(isError)
			if isError && strings.Contains(rec.Result, "BLOCKED") {
				taskState.blockedCount++
			}
		}
		if taskState.blockedCount >= blockedCommandBreakAt {
			out <- chunk.Chunk{Type: chunk.Content, Content: "Multiple commands were BLOCKED in this task; stopping it early."}
			status = "broken"
			iteration++
			break
		}
		if taskState.recentErrorRateHigh() {
			st.messages = append(st.messages, modelclient.Message{
				Role:    "system",
				Content: "Several recent tool calls failed. Consider a different approach before continuing.",
			})
		}

		if result.FinishReason != "tool_calls" {
			iteration++
			break
		}
	}

	used := iteration
	if used == 0 {
		used = 1
	}
	if used >= maxIter && status == "completed" {
		status = "budget_exhausted"
	}

	summary := taskSummary{
		description:   task.Description,
		toolCalls:     len(st.toolRecords) - recordStart,
		filesModified: modifiedFilesSince(st, recordStart),
		errors:        countErrorsSince(st, recordStart),
		status:        status,
	}
	return summary, used
}

func modifiedFilesSince(st *turnState, recordStart int) []string {
	seen := map[string]bool{}
	var out []string
	for _, rec := range st.toolRecords[recordStart:] {
		if !mutatingFileTools[rec.Name] || rec.Status != "success" {
			continue
		}
		if path, ok := extractPath(json.RawMessage(rec.Args)); ok && !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	return out
}

func countErrorsSince(st *turnState, recordStart int) int {
	count := 0
	for _, rec := range st.toolRecords[recordStart:] {
		if rec.Status == "error" {
			count++
		}
	}
	return count
}
