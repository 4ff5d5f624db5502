// Package stream translates raw provider events into effects on a
// generation: appended content parts, emitted deltas, and actionable
// permission/question requests. The provider sends cumulative text per
// part id; this package turns that into deltas and keeps the stored
// parts reconciled in place.
package stream

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/pkg/opencode"
)

const (
	// maxQueuedParts caps the parts buffered per unknown-role message.
	maxQueuedParts = 100
	// queueExpiry drops a message's buffered parts after this long.
	queueExpiry = 5 * time.Minute
)

// CommandInfo is the integration metadata derived from a bash command.
type CommandInfo struct {
	Integration string
	Operation   string
	IsWrite     bool
}

// Classifier derives integration metadata from a bash command line.
// Injected so the normalizer does not depend on the approval policy.
type Classifier func(command string) CommandInfo

// Outcome is the effect of applying one provider event.
type Outcome struct {
	// Events to broadcast to subscribers, in order. Text and thinking
	// events carry only the delta.
	Events []models.GenerationEvent
	// PartsChanged reports whether the accumulated parts (or token
	// counters) need persisting.
	PartsChanged bool
	// Permission and Question are actionable requests the runner must
	// answer through the approval manager.
	Permission *opencode.PermissionAskedProperties
	Question   *opencode.QuestionAskedProperties
	// Idle ends the stream for this turn.
	Idle bool
	// SessionError aborts the turn with the given message.
	SessionError string
}

type queuedPart struct {
	part opencode.Part
}

type messageQueue struct {
	first time.Time
	parts []queuedPart
}

// Normalizer consumes raw provider events for one generation.
type Normalizer struct {
	generationID string
	userText     string
	classify     Classifier
	logger       *logger.Logger

	parts []models.ContentPart
	// index of the part a provider part id maps to, for in-place updates
	partIndex map[string]int
	// last emitted length per cumulative text/reasoning part id
	emitted map[string]int
	// tool call ids that already produced a tool_use part
	toolSeen map[string]bool
	// role per provider message id
	roles map[string]string
	// parts buffered for messages whose role is still unknown
	queued map[string]*messageQueue

	inputTokens  int
	outputTokens int
}

// New creates a normalizer for one generation. userText is the user
// message of this turn, used by the echo guard while message roles are
// unknown.
func New(generationID, userText string, classify Classifier, log *logger.Logger) *Normalizer {
	if classify == nil {
		classify = func(string) CommandInfo { return CommandInfo{} }
	}
	return &Normalizer{
		generationID: generationID,
		userText:     strings.TrimSpace(userText),
		classify:     classify,
		logger:       log,
		partIndex:    make(map[string]int),
		emitted:      make(map[string]int),
		toolSeen:     make(map[string]bool),
		roles:        make(map[string]string),
		queued:       make(map[string]*messageQueue),
	}
}

// Seed primes the normalizer with parts accumulated by a previous run of
// the same generation, so a resumed runner appends instead of restarting.
func (n *Normalizer) Seed(parts []models.ContentPart) {
	n.parts = append(n.parts, parts...)
	for i, part := range n.parts {
		switch part.Type {
		case models.PartText, models.PartThinking:
			if part.ID != "" {
				n.partIndex[part.ID] = i
				n.emitted[part.ID] = len(part.Text) + len(part.Content)
			}
		case models.PartToolUse:
			n.toolSeen[part.ID] = true
		}
	}
}

// Parts returns the accumulated content parts.
func (n *Normalizer) Parts() []models.ContentPart {
	return n.parts
}

// Tokens returns the input/output counters reported by the provider.
func (n *Normalizer) Tokens() (int, int) {
	return n.inputTokens, n.outputTokens
}

// Apply processes one provider event and returns its effects.
func (n *Normalizer) Apply(env *opencode.SDKEventEnvelope) *Outcome {
	out := &Outcome{}
	n.expireQueues(time.Now())

	switch env.Type {
	case opencode.SDKEventMessageUpdated:
		props, err := opencode.ParseMessageUpdated(env.Properties)
		if err != nil {
			n.logger.Warn("malformed message.updated event", zap.Error(err))
			return out
		}
		n.applyMessageUpdated(props, out)

	case opencode.SDKEventMessagePartUpdated:
		props, err := opencode.ParseMessagePartUpdated(env.Properties)
		if err != nil {
			n.logger.Warn("malformed message.part.updated event", zap.Error(err))
			return out
		}
		n.applyPart(props.Part, out)

	case opencode.SDKEventPermissionAsked:
		props, err := opencode.ParsePermissionAsked(env.Properties)
		if err != nil {
			n.logger.Warn("malformed permission.asked event", zap.Error(err))
			return out
		}
		out.Permission = props

	case opencode.SDKEventQuestionAsked:
		props, err := opencode.ParseQuestionAsked(env.Properties)
		if err != nil {
			n.logger.Warn("malformed question.asked event", zap.Error(err))
			return out
		}
		out.Question = props

	case opencode.SDKEventSessionIdle:
		out.Idle = true

	case opencode.SDKEventSessionError:
		props, err := opencode.ParseSessionError(env.Properties)
		if err != nil || props.Error == nil {
			out.SessionError = "provider session error"
			return out
		}
		out.SessionError = props.Error.GetMessage()

	default:
		// Tracked but not actionable: session.status, diffs, todos.
	}

	return out
}

func (n *Normalizer) applyMessageUpdated(props *opencode.MessageUpdatedProperties, out *Outcome) {
	info := props.Info
	if info.ID == "" {
		return
	}
	n.roles[info.ID] = info.Role

	if info.Role == "assistant" && info.Tokens != nil {
		n.inputTokens = info.Tokens.Input
		n.outputTokens = info.Tokens.Output
		out.PartsChanged = true
	}

	queue, ok := n.queued[info.ID]
	if !ok {
		return
	}
	delete(n.queued, info.ID)
	if info.Role != "assistant" {
		// Confirmed user echo; the buffered parts never belonged to the
		// assistant output.
		return
	}
	for _, q := range queue.parts {
		n.applyPart(q.part, out)
	}
}

func (n *Normalizer) applyPart(part opencode.Part, out *Outcome) {
	role, known := n.roles[part.MessageID]
	if known && role != "assistant" {
		return
	}
	if !known && n.looksLikeUserEcho(part) {
		n.enqueuePart(part)
		return
	}

	switch part.Type {
	case opencode.PartTypeText:
		n.applyCumulative(part.ID, part.Text, models.PartText, out)
	case opencode.PartTypeReasoning:
		n.applyCumulative(part.ID, part.Text, models.PartThinking, out)
	case opencode.PartTypeTool:
		n.applyTool(part, out)
	}
}

// applyCumulative handles text and reasoning parts. The provider sends
// the full accumulated text each time; the delta is everything past the
// previously emitted length.
func (n *Normalizer) applyCumulative(partID, full string, kind models.ContentPartType, out *Outcome) {
	if partID == "" {
		return
	}
	prev := n.emitted[partID]
	if len(full) < prev {
		// The provider rewrote the part shorter; re-emit from scratch.
		prev = 0
	}
	delta := full[prev:]

	idx, ok := n.partIndex[partID]
	if !ok {
		part := models.ContentPart{Type: kind, ID: partID}
		if kind == models.PartText {
			part.Text = full
		} else {
			part.Content = full
		}
		n.parts = append(n.parts, part)
		n.partIndex[partID] = len(n.parts) - 1
	} else {
		if kind == models.PartText {
			n.parts[idx].Text = full
		} else {
			n.parts[idx].Content = full
		}
	}
	n.emitted[partID] = len(full)

	if delta == "" {
		return
	}
	out.PartsChanged = true
	eventType := models.EventText
	if kind == models.PartThinking {
		eventType = models.EventThinking
	}
	out.Events = append(out.Events, models.GenerationEvent{
		Type:         eventType,
		GenerationID: n.generationID,
		Timestamp:    time.Now().UTC(),
		Text:         delta,
	})
}

func (n *Normalizer) applyTool(part opencode.Part, out *Outcome) {
	if part.State == nil || part.CallID == "" {
		return
	}
	state := part.State

	switch state.Status {
	case opencode.ToolStatusPending:
		// Nothing to surface yet.

	case opencode.ToolStatusRunning:
		if n.toolSeen[part.CallID] || len(state.Input) == 0 {
			return
		}
		n.appendToolUse(part, out)

	case opencode.ToolStatusCompleted:
		if !n.toolSeen[part.CallID] {
			// Running was never observed with input; reconstruct the
			// tool_use so every tool_result has a matching call.
			n.appendToolUse(part, out)
		}
		n.appendToolResult(part.CallID, capToolResult(state.Output), out)

	case opencode.ToolStatusError:
		if !n.toolSeen[part.CallID] {
			n.appendToolUse(part, out)
		}
		body, _ := json.Marshal(map[string]string{"error": state.Error})
		n.appendToolResult(part.CallID, capToolResult(string(body)), out)
	}
}

func (n *Normalizer) appendToolUse(part opencode.Part, out *Outcome) {
	n.toolSeen[part.CallID] = true

	var input map[string]interface{}
	if len(part.State.Input) > 0 {
		_ = json.Unmarshal(part.State.Input, &input)
	}

	toolUse := models.ContentPart{
		Type:  models.PartToolUse,
		ID:    part.CallID,
		Name:  part.Tool,
		Input: input,
	}
	if part.Tool == "bash" {
		if cmd, ok := input["command"].(string); ok {
			info := n.classify(cmd)
			toolUse.Integration = info.Integration
			toolUse.Operation = info.Operation
		}
	}

	n.parts = append(n.parts, toolUse)
	out.PartsChanged = true
	event := toolUse
	out.Events = append(out.Events, models.GenerationEvent{
		Type:         models.EventToolUse,
		GenerationID: n.generationID,
		Timestamp:    time.Now().UTC(),
		Part:         &event,
	})
}

func (n *Normalizer) appendToolResult(callID, content string, out *Outcome) {
	result := models.ContentPart{
		Type:      models.PartToolResult,
		ToolUseID: callID,
		Content:   content,
	}
	n.parts = append(n.parts, result)
	out.PartsChanged = true
	event := result
	out.Events = append(out.Events, models.GenerationEvent{
		Type:         models.EventToolResult,
		GenerationID: n.generationID,
		Timestamp:    time.Now().UTC(),
		Part:         &event,
	})
}

// AppendApproval records the resolution of an approval prompt in the
// content stream.
func (n *Normalizer) AppendApproval(part models.ContentPart) {
	part.Type = models.PartApproval
	n.parts = append(n.parts, part)
}

// AppendSystem records a system marker (e.g. the interruption notice).
func (n *Normalizer) AppendSystem(content string) {
	n.parts = append(n.parts, models.ContentPart{
		Type:    models.PartSystem,
		Content: content,
	})
}

// looksLikeUserEcho reports whether a text part replays the user's own
// message. Providers occasionally stream the user turn back before
// declaring its role; surfacing it as assistant output would duplicate
// the message in the transcript.
func (n *Normalizer) looksLikeUserEcho(part opencode.Part) bool {
	if part.Type != opencode.PartTypeText || n.userText == "" {
		return false
	}
	text := strings.TrimSpace(part.Text)
	if text == "" {
		return false
	}
	return text == n.userText ||
		strings.HasPrefix(n.userText, text) ||
		strings.HasSuffix(n.userText, text)
}

func (n *Normalizer) enqueuePart(part opencode.Part) {
	queue, ok := n.queued[part.MessageID]
	if !ok {
		queue = &messageQueue{first: time.Now()}
		n.queued[part.MessageID] = queue
	}
	queue.parts = append(queue.parts, queuedPart{part: part})
	if len(queue.parts) > maxQueuedParts {
		queue.parts = queue.parts[1:]
	}
}

func (n *Normalizer) expireQueues(now time.Time) {
	for id, queue := range n.queued {
		if now.Sub(queue.first) > queueExpiry {
			delete(n.queued, id)
		}
	}
}

func capToolResult(content string) string {
	if len(content) > models.MaxToolResultLen {
		return content[:models.MaxToolResultLen]
	}
	return content
}
