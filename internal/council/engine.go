// Package council implements the staged deliberation engine:
// blueprint → individual drafts → blinded peer ranking → chairman
// synthesis → human review, with breakpoints, substitutes, quorum
// rules and revision loops. Every completed stage is checkpointed;
// a paused session resumes from its snapshot, never from in-flight
// compute.
package council

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"council/internal/consensus"
	"council/internal/models"
	"council/internal/provider"
	"council/internal/router"
	"council/internal/services"
)

// stage1Retries is the transient-retry cap per member call: the first
// attempt plus one retry, 2 attempts total.
const stage1Retries = 1

// titleModel generates conversation titles; fast and cheap
const titleModel = "google/gemini-2.0-flash-001"

// CompletionClient is the engine's view of the provider client (C1).
// The engine owns retry policy; the client only classifies failures.
type CompletionClient interface {
	Complete(ctx context.Context, modelID string, messages []provider.ChatMessage, params provider.CompletionParams, timeout time.Duration) (*provider.Completion, error)
}

// LatencyTracker receives per-call latency samples for the EWMA
type LatencyTracker interface {
	RecordRunLatency(modelID string, sampleMs float64)
}

// EventMirror forwards locally emitted events to other instances
type EventMirror interface {
	MirrorEvent(ctx context.Context, event models.CouncilEvent)
}

// ConfigSource supplies the live council configuration
type ConfigSource func() models.CouncilConfig

// Engine orchestrates council sessions. One Engine serves all sessions;
// per-session state lives in the snapshot, not in the struct.
type Engine struct {
	client    CompletionClient
	router    *router.Router
	latencies LatencyTracker
	convs     *services.ConversationService
	boards    *services.BoardService
	bus       *services.EventBus
	audit     *services.AuditService
	config    ConfigSource
	mirror    EventMirror
	backoff   *provider.BackoffCalculator

	// runs serializes pipeline execution per conversation
	runMu sync.Mutex
	runs  map[string]bool
}

// NewEngine wires the engine. latencies and mirror may be nil.
func NewEngine(
	client CompletionClient,
	modelRouter *router.Router,
	latencies LatencyTracker,
	convs *services.ConversationService,
	boards *services.BoardService,
	bus *services.EventBus,
	audit *services.AuditService,
	config ConfigSource,
) *Engine {
	return &Engine{
		client:    client,
		router:    modelRouter,
		latencies: latencies,
		convs:     convs,
		boards:    boards,
		bus:       bus,
		audit:     audit,
		config:    config,
		backoff:   provider.NewBackoffCalculator(500, 5000, 2.0, 20),
		runs:      make(map[string]bool),
	}
}

// SetMirror attaches the optional cross-instance event mirror
func (e *Engine) SetMirror(mirror EventMirror) {
	e.mirror = mirror
}

// emit publishes one event on the bus (and the mirror, when attached)
func (e *Engine) emit(sessionID string, event models.CouncilEvent) {
	published := e.bus.Publish(sessionID, event)
	if e.mirror != nil {
		e.mirror.MirrorEvent(context.Background(), published)
	}
}

// logEvent emits a log frame
func (e *Engine) logEvent(sessionID, message string) {
	e.emit(sessionID, models.CouncilEvent{Type: models.EventLog, Message: message})
}

// acquireRun guards against concurrent pipeline runs on one conversation
func (e *Engine) acquireRun(conversationID string) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.runs[conversationID] {
		return false
	}
	e.runs[conversationID] = true
	return true
}

func (e *Engine) releaseRun(conversationID string) {
	e.runMu.Lock()
	delete(e.runs, conversationID)
	e.runMu.Unlock()
}

// bindBoard selects the board for a run: a saved board when boardID is
// given, else an ephemeral board from the live config. Bindings are
// re-resolved through the router on every run; nothing survives a reset.
func (e *Engine) bindBoard(boardID string) (*models.Board, error) {
	if boardID == "" {
		return services.FromCouncilConfig(e.config()), nil
	}
	board, err := e.boards.Get(boardID)
	if err != nil {
		return nil, newRunError(KindStorageError, "board %s: %v", boardID, err)
	}
	e.boards.TrackUsage(boardID)
	return board, nil
}

// RunCouncil processes a user message end to end: it appends the user
// message, drafts (or reuses) the blueprint, then executes the current
// task's Stage 1-3 and pauses for human review. Events stream on the
// bus while artifacts are checkpointed through the store.
func (e *Engine) RunCouncil(ctx context.Context, conversationID, userContent, boardID string) error {
	if !e.acquireRun(conversationID) {
		return newRunError(KindInvalidState, "a run is already in progress for this session")
	}
	defer e.releaseRun(conversationID)

	conv, err := e.convs.Get(conversationID)
	if err != nil {
		return newRunError(KindStorageError, "load conversation: %v", err)
	}
	isFirstMessage := len(conv.Messages) == 0

	board, err := e.bindBoard(boardID)
	if err != nil {
		return e.fail(conversationID, nil, err)
	}

	if _, err := e.convs.AppendMessage(conversationID, &models.Message{
		Role:      models.RoleUser,
		Content:   userContent,
		Finalized: true,
	}); err != nil {
		return e.fail(conversationID, nil, newRunError(KindStorageError, "append user message: %v", err))
	}

	e.logEvent(conversationID, "🚀 Initializing Council Session...")

	// Title generation runs concurrently with the pipeline
	var titleDone chan struct{}
	if isFirstMessage {
		titleDone = make(chan struct{})
		go func() {
			defer close(titleDone)
			e.generateTitle(ctx, conversationID, userContent)
		}()
	}

	timeout := time.Duration(board.ResponseTimeoutS) * time.Second

	// Stage 0: reuse a paused blueprint, otherwise have the chairman plan
	state, err := e.convs.GetSessionState(conversationID)
	if err != nil {
		return e.fail(conversationID, nil, newRunError(KindStorageError, "load session state: %v", err))
	}
	if state == nil || state.Status == models.StatusComplete || state.Status == models.StatusFailed || state.CurrentTask() == nil {
		chairman, rerr := e.router.ResolveChairman(models.BlueprintTask{ID: "t0", Type: models.TaskDraft}, board)
		if rerr != nil {
			return e.fail(conversationID, state, newRunError(KindNoCapableModel, "chairman: %v", rerr))
		}
		blueprint := e.BuildBlueprint(ctx, conversationID, chairman, userContent, timeout)
		state = &models.SessionState{
			Blueprint:        blueprint,
			CurrentTaskIndex: 0,
			Status:           models.StatusRunning,
		}
	} else {
		state.Status = models.StatusRunning
	}

	if err := e.checkpoint(conversationID, state); err != nil {
		return e.fail(conversationID, state, err)
	}
	e.emit(conversationID, models.CouncilEvent{Type: models.EventSessionState, Data: state})

	err = e.runCurrentTask(ctx, conversationID, state, board, userContent, "")

	if titleDone != nil {
		<-titleDone
	}
	return err
}

// SubmitHumanFeedback handles Stage 4 input. Continuing re-enters
// Stage 1 as a new revision with the feedback appended to context;
// ending transitions the session to complete. Submitting against a
// session not awaiting human input is a client error and never
// advances the pipeline.
func (e *Engine) SubmitHumanFeedback(ctx context.Context, conversationID string, fb models.HumanFeedback, boardID string) error {
	state, err := e.convs.GetSessionState(conversationID)
	if err != nil {
		return newRunError(KindStorageError, "load session state: %v", err)
	}
	if state == nil || state.Status != models.StatusAwaitingHuman {
		return newRunError(KindInvalidState, "session is not awaiting human input")
	}
	if !e.acquireRun(conversationID) {
		return newRunError(KindInvalidState, "a run is already in progress for this session")
	}
	defer e.releaseRun(conversationID)

	if _, err := e.convs.AppendMessage(conversationID, &models.Message{
		Role:      models.RoleHumanChairman,
		Content:   fb.Feedback,
		Finalized: true,
	}); err != nil {
		return newRunError(KindStorageError, "record feedback: %v", err)
	}
	e.audit.Add(conversationID, "human_feedback", "", "", fb.Feedback, fb)

	if !fb.ContinueDiscussion {
		state.Status = models.StatusComplete
		state.PendingHumanInput = nil
		if err := e.checkpoint(conversationID, state); err != nil {
			return err
		}
		e.emit(conversationID, models.CouncilEvent{Type: models.EventComplete})
		if m := services.GetMetrics(); m != nil {
			m.RecordRun("complete")
		}
		log.Printf("[COUNCIL] Session %s complete", conversationID)
		return nil
	}

	board, err := e.bindBoard(boardID)
	if err != nil {
		return e.fail(conversationID, state, err)
	}

	// Approval advances the cursor to the next task; a revision of the
	// final task keeps the cursor in place. The advanced snapshot is
	// persisted before any stage runs, so a duplicate resume finds the
	// session no longer awaiting_human and becomes a no-op — resume is
	// idempotent keyed by current_task_index.
	if state.CurrentTaskIndex+1 < len(state.Blueprint.Tasks) {
		state.CurrentTaskIndex++
	}
	state.Status = models.StatusRunning
	state.StageBuffers = models.StageBuffers{}
	state.PendingHumanInput = nil
	if err := e.checkpoint(conversationID, state); err != nil {
		return e.fail(conversationID, state, err)
	}

	lastQuery, err := e.convs.LastUserMessage(conversationID)
	if err != nil {
		return e.fail(conversationID, state, newRunError(KindStorageError, "load last user message: %v", err))
	}

	e.logEvent(conversationID, "🔄 Starting Revision with Human Feedback...")
	return e.runCurrentTask(ctx, conversationID, state, board, lastQuery, fb.Feedback)
}

// Rate records a 0-5 rating for a completed session
func (e *Engine) Rate(conversationID string, rating int) error {
	state, err := e.convs.GetSessionState(conversationID)
	if err != nil {
		return newRunError(KindStorageError, "load session state: %v", err)
	}
	if state == nil || state.Status != models.StatusComplete {
		return newRunError(KindInvalidState, "only completed sessions accept ratings")
	}
	if err := e.convs.EndWithRating(conversationID, rating); err != nil {
		return newRunError(KindStorageError, "record rating: %v", err)
	}
	e.audit.Add(conversationID, "session_rated", "", "", fmt.Sprintf("rating %d/5", rating), nil)
	return nil
}

// runCurrentTask executes Stage 1-3 for the task at the cursor,
// appending one fresh assistant message (the next revision). The
// engine never mutates a prior revision.
func (e *Engine) runCurrentTask(ctx context.Context, sessionID string, state *models.SessionState, board *models.Board, userQuery, feedback string) error {
	task := state.CurrentTask()
	if task == nil {
		return e.fail(sessionID, state, newRunError(KindInvalidState, "blueprint has no task at index %d", state.CurrentTaskIndex))
	}

	query := userQuery
	if feedback != "" {
		query = fmt.Sprintf("%s\n\nHuman Chairman Feedback: %s\n\nPlease reconsider your analysis taking this feedback into account.", userQuery, feedback)
	}

	timeout := time.Duration(board.ResponseTimeoutS) * time.Second
	metadata := &models.RunMetadata{TaskID: task.ID}

	msgID, err := e.convs.AppendMessage(sessionID, &models.Message{
		Role:     models.RoleAssistant,
		Metadata: metadata,
	})
	if err != nil {
		return e.fail(sessionID, state, newRunError(KindStorageError, "open assistant message: %v", err))
	}

	// Stage 1: individual drafts
	e.emit(sessionID, models.CouncilEvent{Type: models.EventStage1Start})
	e.logEvent(sessionID, fmt.Sprintf("Stage 1: Querying council members for task %s...", task.ID))
	stage1Started := time.Now()

	drafts, engaged, err := e.stage1Collect(ctx, sessionID, board, *task, query, timeout, metadata)
	if err != nil {
		return e.fail(sessionID, state, err)
	}
	e.recordStage("stage1", stage1Started)

	state.StageBuffers.Stage1 = drafts
	if err := e.checkpoint(sessionID, state); err != nil {
		return e.fail(sessionID, state, err)
	}
	if err := e.convs.UpdateAssistantStages(msgID, drafts, nil, nil, metadata); err != nil {
		return e.fail(sessionID, state, newRunError(KindStorageError, "checkpoint stage1: %v", err))
	}
	e.emit(sessionID, models.CouncilEvent{Type: models.EventStage1Complete, Data: drafts})

	// Stage 2: blinded peer ranking
	e.emit(sessionID, models.CouncilEvent{Type: models.EventStage2Start})
	e.logEvent(sessionID, "Stage 2: Cross-evaluating responses (Anonymized Peer Ranking)...")
	stage2Started := time.Now()

	stage2Results, bordaResult, err := e.stage2Rank(ctx, sessionID, board, query, drafts, engaged, timeout, metadata)
	if err != nil {
		return e.fail(sessionID, state, err)
	}
	e.recordStage("stage2", stage2Started)

	state.StageBuffers.Stage2 = stage2Results
	if err := e.checkpoint(sessionID, state); err != nil {
		return e.fail(sessionID, state, err)
	}
	if err := e.convs.UpdateAssistantStages(msgID, drafts, stage2Results, nil, metadata); err != nil {
		return e.fail(sessionID, state, newRunError(KindStorageError, "checkpoint stage2: %v", err))
	}
	e.emit(sessionID, models.CouncilEvent{
		Type: models.EventStage2Complete,
		Data: stage2Results,
		Metadata: map[string]interface{}{
			"label_to_model":     metadata.LabelToModel,
			"aggregate_rankings": metadata.AggregateRankings,
		},
	})

	// Stage 3: chairman synthesis
	e.emit(sessionID, models.CouncilEvent{Type: models.EventStage3Start})
	e.logEvent(sessionID, "Stage 3: Chairman is synthesizing the final recommendation...")
	stage3Started := time.Now()

	stage3, err := e.stage3Synthesize(ctx, sessionID, board, *task, query, drafts, bordaResult, timeout, metadata)
	if err != nil {
		return e.fail(sessionID, state, err)
	}
	e.recordStage("stage3", stage3Started)

	state.StageBuffers.Stage3 = stage3
	if err := e.convs.UpdateAssistantStages(msgID, drafts, stage2Results, stage3, metadata); err != nil {
		return e.fail(sessionID, state, newRunError(KindStorageError, "checkpoint stage3: %v", err))
	}
	if err := e.convs.FinalizeMessage(msgID, stage3.Response); err != nil {
		return e.fail(sessionID, state, newRunError(KindStorageError, "finalize message: %v", err))
	}
	e.emit(sessionID, models.CouncilEvent{Type: models.EventStage3Complete, Data: stage3})

	// Stage 4: the run pauses for human review after Stage 3 of every
	// task. The task's breakpoint flag is not consulted, so a task
	// without a breakpoint pauses too.
	state.Status = models.StatusAwaitingHuman
	state.StageBuffers = models.StageBuffers{}
	if err := e.checkpoint(sessionID, state); err != nil {
		return e.fail(sessionID, state, err)
	}

	e.logEvent(sessionID, "Stage 4: Awaiting Human Chairman review and feedback...")
	e.emit(sessionID, models.CouncilEvent{Type: models.EventHumanInputRequired})
	if m := services.GetMetrics(); m != nil {
		m.RecordRun("awaiting_human")
	}
	return nil
}

// memberDraft is the per-member outcome of Stage 1
type memberDraft struct {
	member     string // configured board member
	resolvedID string // model that actually answered (member or substitute)
	result     *models.Stage1Result
}

// stage1Collect fans out all member calls concurrently under a shared
// deadline. Per member: transient failures retry with jittered backoff,
// then the configured substitute takes over; a member whose substitute
// also fails is dropped. Fewer than ceil(N/2) drafts lose the quorum
// and fail the run. Completion order is nondeterministic; results are
// reordered by stable member index before anything downstream sees them.
func (e *Engine) stage1Collect(ctx context.Context, sessionID string, board *models.Board, task models.BlueprintTask, query string, timeout time.Duration, metadata *models.RunMetadata) ([]models.Stage1Result, []memberDraft, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	members := board.CouncilMembers
	results := make([]*memberDraft, len(members))
	var wg sync.WaitGroup

	for i, member := range members {
		wg.Add(1)
		go func(i int, member string) {
			defer wg.Done()
			results[i] = e.collectOneDraft(stageCtx, sessionID, board, task, member, query, timeout)
		}(i, member)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Cancellation of the run itself, not a member timeout
		return nil, nil, newRunError(KindQuorumLost, "run cancelled during stage 1")
	}

	// Deterministic reorder by member index
	var drafts []models.Stage1Result
	var engaged []memberDraft
	for _, r := range results {
		if r == nil || r.result == nil {
			continue
		}
		if r.result.Substitute != "" {
			metadata.SubstitutesUsed = append(metadata.SubstitutesUsed,
				fmt.Sprintf("%s→%s", r.member, r.result.Substitute))
			if m := services.GetMetrics(); m != nil {
				m.SubstitutesUsed.Inc()
			}
		}
		drafts = append(drafts, *r.result)
		engaged = append(engaged, *r)
	}

	quorum := consensus.Quorum(len(members))
	if len(drafts) < quorum {
		e.audit.Add(sessionID, "stage1_quorum_lost", task.ID, "",
			fmt.Sprintf("%d of %d drafts arrived, quorum is %d", len(drafts), len(members), quorum), nil)
		return nil, nil, newRunError(KindQuorumLost, "%d of %d council members responded (quorum %d)", len(drafts), len(members), quorum)
	}

	e.logEvent(sessionID, fmt.Sprintf("Stage 1 Complete: Received %d responses.", len(drafts)))
	e.audit.Add(sessionID, "stage1_complete", task.ID, "", fmt.Sprintf("%d drafts", len(drafts)), drafts)
	return drafts, engaged, nil
}

// collectOneDraft runs the retry + substitute ladder for one member.
// Returns nil result when the member is dropped.
func (e *Engine) collectOneDraft(ctx context.Context, sessionID string, board *models.Board, task models.BlueprintTask, member, query string, timeout time.Duration) *memberDraft {
	draft := &memberDraft{member: member}

	resolvedID, err := e.router.Resolve(task, member, board)
	if err != nil {
		e.logEvent(sessionID, fmt.Sprintf("FAILED: no capable model for %s, member dropped", shortName(member)))
		e.audit.Add(sessionID, "stage1_member_dropped", task.ID, member, "no capable model", err.Error())
		return draft
	}
	draft.resolvedID = resolvedID

	messages := e.memberMessages(board, member, task, query)

	completion, usedModel, err := e.completeWithPolicy(ctx, sessionID, board, task, member, resolvedID, messages, timeout)
	if err != nil {
		e.logEvent(sessionID, fmt.Sprintf("FAILED: %s timed out or error.", shortName(member)))
		e.audit.Add(sessionID, "stage1_member_dropped", task.ID, member, "member and substitute failed", err.Error())
		return draft
	}

	e.logEvent(sessionID, fmt.Sprintf("SUCCESS: %s has responded.", shortName(usedModel)))
	result := &models.Stage1Result{
		Model:    member,
		Response: completion.Content,
		Usage:    completion.Usage,
	}
	if usedModel != resolvedID {
		result.Substitute = usedModel
		draft.resolvedID = usedModel
	}
	draft.result = result
	return draft
}

// completeWithPolicy applies the engine's retry policy for one member:
// transient errors retry with jittered backoff (2 attempts total),
// permanent errors and exhausted retries fall through to the substitute
// (single attempt, same retry rules).
func (e *Engine) completeWithPolicy(ctx context.Context, sessionID string, board *models.Board, task models.BlueprintTask, member, resolvedID string, messages []provider.ChatMessage, timeout time.Duration) (*provider.Completion, string, error) {
	completion, err := e.completeWithRetry(ctx, resolvedID, messages, timeout)
	if err == nil {
		return completion, resolvedID, nil
	}

	sub, hasSub := board.Substitutes[member]
	if !hasSub || sub == "" {
		return nil, "", err
	}

	subID, rerr := e.router.Resolve(task, sub, board)
	if rerr != nil {
		return nil, "", fmt.Errorf("member failed (%v) and substitute unusable (%v)", err, rerr)
	}

	e.logEvent(sessionID, fmt.Sprintf("Substituting %s → %s", shortName(member), shortName(sub)))
	completion, serr := e.completeWithRetry(ctx, subID, messages, timeout)
	if serr != nil {
		return nil, "", fmt.Errorf("member failed (%v) and substitute failed (%v)", err, serr)
	}
	return completion, subID, nil
}

// completeWithRetry performs one call with transient retries and
// records run latency for successful calls.
func (e *Engine) completeWithRetry(ctx context.Context, modelID string, messages []provider.ChatMessage, timeout time.Duration) (*provider.Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= stage1Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.backoff.NextDelay(attempt - 1)):
			}
		}

		start := time.Now()
		completion, err := e.client.Complete(ctx, modelID, messages, provider.CompletionParams{}, timeout)
		if err == nil {
			if e.latencies != nil {
				e.latencies.RecordRunLatency(modelID, float64(time.Since(start).Milliseconds()))
			}
			return completion, nil
		}
		lastErr = err

		provErr := provider.ClassifyError(err)
		if m := services.GetMetrics(); m != nil {
			m.RecordProviderError(provErr.Category.String())
		}
		if !provErr.IsTransient() {
			return nil, err // permanent: surface to the substitute ladder immediately
		}
	}
	return nil, lastErr
}

// memberMessages builds the system + user messages for one member
func (e *Engine) memberMessages(board *models.Board, member string, task models.BlueprintTask, query string) []provider.ChatMessage {
	personality := board.Personalities[member]
	if personality == "" {
		personality = "Expert AI Assistant"
	}

	system := fmt.Sprintf("You are a council member with the following personality: %s.", personality)
	if task.Label != "" && task.Type != models.TaskDraft {
		system += fmt.Sprintf("\n\nIMPORTANT CURRENT GOAL: %s", task.Label)
	}

	return []provider.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: query},
	}
}

// stage2Rank labels the drafts, collects one ballot per engaged model
// and validates them. Rankings must exclude the ranker's own label;
// self-mentions are stripped during validation, never guessed around.
func (e *Engine) stage2Rank(ctx context.Context, sessionID string, board *models.Board, query string, drafts []models.Stage1Result, engaged []memberDraft, timeout time.Duration, metadata *models.RunMetadata) ([]models.Stage2Result, *consensus.Result, error) {
	labels := consensus.Labels(len(drafts))

	labelToModel := make(map[string]string, len(drafts))
	labelForModel := make(map[string]string, len(drafts))
	for i, d := range drafts {
		labelToModel[labels[i]] = d.Model
		labelForModel[d.Model] = labels[i]
	}
	metadata.LabelToModel = labelToModel

	prompt := rankingPrompt(query, drafts, labels)

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type ballotOutcome struct {
		model string
		text  string
		err   error
	}
	outcomes := make([]ballotOutcome, len(engaged))
	var wg sync.WaitGroup

	for i, member := range engaged {
		wg.Add(1)
		go func(i int, member memberDraft) {
			defer wg.Done()
			messages := []provider.ChatMessage{
				{Role: "system", Content: "You are a critical judge evaluating multiple AI responses."},
				{Role: "user", Content: prompt},
			}
			completion, err := e.completeWithRetry(stageCtx, member.resolvedID, messages, timeout)
			outcome := ballotOutcome{model: member.result.Model}
			if err != nil {
				outcome.err = err
			} else {
				outcome.text = completion.Content
			}
			outcomes[i] = outcome
		}(i, member)
	}
	wg.Wait()

	// Deterministic order: outcomes are already indexed by member order
	var raw []consensus.RawBallot
	var stage2Results []models.Stage2Result
	for _, o := range outcomes {
		if o.err != nil {
			e.logEvent(sessionID, fmt.Sprintf("Judge %s failed to rank.", shortName(o.model)))
			continue
		}
		e.logEvent(sessionID, fmt.Sprintf("Judge %s has submitted their ranking.", shortName(o.model)))
		raw = append(raw, consensus.RawBallot{Model: o.model, Text: o.text})
	}

	ballots, discarded := consensus.ValidateBallots(raw, labelForModel, labels)
	metadata.BallotsValid = len(ballots)
	metadata.BallotsDiscarded = discarded + (len(engaged) - len(raw))
	if m := services.GetMetrics(); m != nil {
		for i := 0; i < discarded; i++ {
			m.BallotsDiscarded.Inc()
		}
	}

	validSet := make(map[string]bool, len(ballots))
	rankingByModel := make(map[string][]string, len(ballots))
	for _, b := range ballots {
		validSet[b.Model] = true
		rankingByModel[b.Model] = b.Ranking
	}
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		stage2Results = append(stage2Results, models.Stage2Result{
			Model:         o.model,
			Ranking:       o.text,
			ParsedRanking: rankingByModel[o.model],
			Valid:         validSet[o.model],
		})
	}

	bordaResult, err := consensus.BordaCount(ballots, labels, len(engaged))
	if err != nil {
		e.audit.Add(sessionID, "stage2_insufficient_ballots", metadata.TaskID, "",
			fmt.Sprintf("%d valid of %d expected", len(ballots), len(engaged)), stage2Results)
		return nil, nil, newRunError(KindInsufficientBallots, "%d valid ballots of %d members (quorum %d)",
			len(ballots), len(engaged), consensus.Quorum(len(engaged)))
	}

	metadata.AggregateRankings = aggregateRankings(ballots, labelToModel)
	metadata.Consensus = &models.ConsensusSummary{
		Strategy:       board.ConsensusStrategy,
		Winner:         bordaResult.WinnerLabel,
		Ordering:       bordaResult.Ordering,
		PerLabelScores: bordaResult.PerLabelScores,
		TiesBrokenBy:   bordaResult.TiesBrokenBy,
	}

	e.logEvent(sessionID, "Stage 2 Complete: Peer evaluations and rankings collected.")
	e.audit.Add(sessionID, "stage2_complete", metadata.TaskID, "",
		fmt.Sprintf("%d valid ballots, %d discarded", metadata.BallotsValid, metadata.BallotsDiscarded), stage2Results)
	return stage2Results, bordaResult, nil
}

// rankingPrompt builds the blinded evaluation prompt
func rankingPrompt(query string, drafts []models.Stage1Result, labels []string) string {
	var responses strings.Builder
	for i, d := range drafts {
		fmt.Fprintf(&responses, "Response %s:\n%s\n\n", labels[i], d.Response)
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s
Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking. Skip the response that matches your own analysis if you recognize it.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
Ranking: Response X > Response Y > Response Z
`, query, responses.String())
}

// aggregateRankings averages each model's ballot positions
func aggregateRankings(ballots []consensus.Ballot, labelToModel map[string]string) []models.AggregateRanking {
	positions := make(map[string][]int)
	for _, b := range ballots {
		for pos, label := range b.Ranking {
			model := labelToModel[label]
			positions[model] = append(positions[model], pos+1)
		}
	}

	var out []models.AggregateRanking
	for model, pos := range positions {
		sum := 0
		for _, p := range pos {
			sum += p
		}
		out = append(out, models.AggregateRanking{
			Model:         model,
			AverageRank:   float64(sum) / float64(len(pos)),
			RankingsCount: len(pos),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AverageRank != out[j].AverageRank {
			return out[i].AverageRank < out[j].AverageRank
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// stage3Synthesize runs the chairman. Under Borda-Count the chairman
// sees all drafts plus the Borda result; under Chairman-Cut only the
// Borda top-3, blinded, and must name a winner label. The chairman is
// retried once with a short backoff; a second failure emits the Borda
// winner's draft with a chairman_fallback marker instead of failing
// the run.
func (e *Engine) stage3Synthesize(ctx context.Context, sessionID string, board *models.Board, task models.BlueprintTask, query string, drafts []models.Stage1Result, bordaResult *consensus.Result, timeout time.Duration, metadata *models.RunMetadata) (*models.Stage3Result, error) {
	chairmanID, err := e.router.ResolveChairman(task, board)
	if err != nil {
		return nil, newRunError(KindNoCapableModel, "chairman: %v", err)
	}

	labels := consensus.Labels(len(drafts))
	draftByLabel := make(map[string]models.Stage1Result, len(drafts))
	for i, d := range drafts {
		draftByLabel[labels[i]] = d
	}

	var prompt string
	chairmanCut := board.ConsensusStrategy == models.StrategyChairmanCut
	if chairmanCut {
		prompt = chairmanCutPrompt(query, bordaResult.Top3(), draftByLabel)
	} else {
		prompt = bordaSynthesisPrompt(query, drafts, labels, bordaResult)
	}

	messages := []provider.ChatMessage{
		{Role: "system", Content: "You are the Chairman of the LLM Council. Review the council's work and write the final answer."},
		{Role: "user", Content: prompt},
	}

	completion, err := e.client.Complete(ctx, chairmanID, messages, provider.CompletionParams{}, timeout)
	if err != nil {
		// One retry with a short backoff before falling back
		select {
		case <-ctx.Done():
			return nil, newRunError(KindQuorumLost, "run cancelled during stage 3")
		case <-time.After(e.backoff.NextDelay(0)):
		}
		completion, err = e.client.Complete(ctx, chairmanID, messages, provider.CompletionParams{}, timeout)
	}

	if err != nil {
		// Chairman is gone: the Borda winner's draft becomes the answer
		winner := draftByLabel[bordaResult.WinnerLabel]
		metadata.ChairmanFallback = true
		e.audit.Add(sessionID, "chairman_fallback", task.ID, chairmanID, "chairman failed twice, emitting Borda winner draft", err.Error())
		e.logEvent(sessionID, "Chairman unavailable — falling back to the Borda winner's draft.")
		return &models.Stage3Result{
			Model:    chairmanID,
			Response: winner.Response,
			Fallback: true,
		}, nil
	}

	result := &models.Stage3Result{
		Model:    chairmanID,
		Response: completion.Content,
		Usage:    completion.Usage,
	}

	if chairmanCut {
		top3 := bordaResult.Top3()
		if choice, ok := consensus.ParseChairmanChoice(completion.Content, top3); ok {
			metadata.Consensus.Winner = choice
			metadata.Consensus.Strategy = models.StrategyChairmanCut
		} else {
			// Label-only contract violated: keep the Borda winner
			metadata.Consensus.Winner = bordaResult.WinnerLabel
			e.audit.Add(sessionID, "chairman_cut_parse_failure", task.ID, chairmanID,
				"no winner label in chairman reply, keeping Borda winner", completion.Content)
		}
	}

	e.logEvent(sessionID, "Stage 3 Complete: Final analysis synthesized.")
	e.audit.Add(sessionID, "stage3_complete", task.ID, chairmanID, "synthesis complete", result)
	return result, nil
}

// bordaSynthesisPrompt hands the chairman everything: drafts + Borda result
func bordaSynthesisPrompt(query string, drafts []models.Stage1Result, labels []string, borda *consensus.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original User Question: %s\n\nCouncil Member Responses:\n", query)
	for i, d := range drafts {
		fmt.Fprintf(&b, "Response %s (from %s):\n%s\n\n", labels[i], d.Model, d.Response)
	}
	fmt.Fprintf(&b, "Peer Ranking Result (Borda count, best first): %s\n", strings.Join(borda.Ordering, " > "))
	fmt.Fprintf(&b, "The council preferred Response %s.\n\n", borda.WinnerLabel)
	b.WriteString("Synthesize the final high-quality answer, building on the preferred response and folding in the strongest points of the others. Reference the preferred response where it anchors your answer.")
	return b.String()
}

// chairmanCutPrompt hands the chairman only the blinded top-3
func chairmanCutPrompt(query string, top3 []string, draftByLabel map[string]models.Stage1Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original User Question: %s\n\nThe council shortlisted these responses (anonymized):\n\n", query)
	for _, label := range top3 {
		fmt.Fprintf(&b, "Response %s:\n%s\n\n", label, draftByLabel[label].Response)
	}
	b.WriteString("Pick the single best response. Start your reply with exactly \"Winner: Response X\" naming your pick, then synthesize the final answer using it as the basis.")
	return b.String()
}

// fail marks the session failed, emits the error event and records metrics
func (e *Engine) fail(sessionID string, state *models.SessionState, err error) error {
	kind := KindOf(err)
	log.Printf("[COUNCIL] Session %s failed: %v", sessionID, err)

	if state != nil {
		state.Status = models.StatusFailed
		if cerr := e.convs.SaveSessionState(sessionID, state); cerr != nil {
			log.Printf("[COUNCIL] Failed to persist failed state for %s: %v", sessionID, cerr)
		}
	}

	e.audit.Add(sessionID, "run_failed", "", "", err.Error(), map[string]string{"kind": kind})
	e.emit(sessionID, models.CouncilEvent{
		Type:    models.EventError,
		Message: err.Error(),
		Data:    map[string]string{"kind": kind},
	})
	if m := services.GetMetrics(); m != nil {
		m.RecordRun("failed")
		m.RecordRunError(kind)
	}
	return err
}

// checkpoint persists the snapshot; storage failures are fatal
func (e *Engine) checkpoint(sessionID string, state *models.SessionState) error {
	if err := e.convs.SaveSessionState(sessionID, state); err != nil {
		return newRunError(KindStorageError, "checkpoint: %v", err)
	}
	return nil
}

// recordStage observes a stage duration
func (e *Engine) recordStage(stage string, started time.Time) {
	if m := services.GetMetrics(); m != nil {
		m.RecordStage(stage, time.Since(started).Seconds())
	}
}

// generateTitle asks a fast model for a 3-5 word conversation title
func (e *Engine) generateTitle(ctx context.Context, conversationID, userQuery string) {
	prompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	completion, err := e.client.Complete(ctx, titleModel,
		[]provider.ChatMessage{{Role: "user", Content: prompt}},
		provider.CompletionParams{MaxTokens: 32}, 30*time.Second)
	if err != nil {
		log.Printf("[COUNCIL] Title generation failed for %s: %v", conversationID, err)
		return
	}

	title := strings.Trim(strings.TrimSpace(completion.Content), `"'`)
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	if title == "" {
		return
	}

	if err := e.convs.SetTitle(conversationID, title); err != nil {
		log.Printf("[COUNCIL] Failed to store title for %s: %v", conversationID, err)
		return
	}
	e.emit(conversationID, models.CouncilEvent{
		Type: models.EventTitleComplete,
		Data: map[string]string{"title": title},
	})
}

// shortName trims a model id to its tail segment for log lines
func shortName(modelID string) string {
	if idx := strings.LastIndex(modelID, "/"); idx >= 0 {
		return modelID[idx+1:]
	}
	return modelID
}
