package subscribe

import (
	"time"

	"github.com/parleyhq/parley/internal/generation/models"
)

// cursor tracks how much of a generation one subscriber has seen, so
// repeated polls emit only the difference. The same diff logic serves
// the live stream and the terminal replay, which keeps both orderings
// identical.
type cursor struct {
	// sent length per part index; text/thinking track emitted bytes,
	// other part types use 1 as "delivered".
	sent []int
	// dirty is set by emitDiff when anything was delivered
	dirty bool

	lastStatus models.GenerationStatus
	lastPhase  string

	approvalToolUseID string
	authRequestedAt   time.Time
}

// advance emits everything new since the last poll and reports whether
// anything was emitted.
func (c *cursor) advance(gen *models.Generation, sink Sink) (bool, error) {
	active := false

	if err := c.emitDiff(gen, sink); err != nil {
		return false, err
	}
	if c.dirty {
		active = true
		c.dirty = false
	}

	if gen.Status != c.lastStatus || gen.Phase != c.lastPhase {
		active = true
		if err := c.emitStatus(gen, sink); err != nil {
			return false, err
		}
	}

	if pending := gen.PendingApproval; pending != nil && pending.Decision == "" &&
		pending.ToolUseID != c.approvalToolUseID {
		c.approvalToolUseID = pending.ToolUseID
		active = true
		err := sink(&models.GenerationEvent{
			Type:            models.EventPendingApproval,
			GenerationID:    gen.ID,
			Timestamp:       time.Now().UTC(),
			PendingApproval: pending,
		})
		if err != nil {
			return false, err
		}
	}

	if pending := gen.PendingAuth; pending != nil && !pending.RequestedAt.Equal(c.authRequestedAt) {
		c.authRequestedAt = pending.RequestedAt
		active = true
		err := sink(&models.GenerationEvent{
			Type:         models.EventAuthNeeded,
			GenerationID: gen.ID,
			Timestamp:    time.Now().UTC(),
			PendingAuth:  pending,
		})
		if err != nil {
			return false, err
		}
	}

	return active, nil
}

// emitDiff walks the content parts past the cursor. Growing text and
// thinking parts produce delta events whose concatenation equals the
// stored text; other parts are delivered whole, once.
func (c *cursor) emitDiff(gen *models.Generation, sink Sink) error {
	for i, part := range gen.ContentParts {
		if i >= len(c.sent) {
			c.sent = append(c.sent, 0)
		}

		switch part.Type {
		case models.PartText, models.PartThinking:
			full := part.Text
			if part.Type == models.PartThinking {
				full = part.Content
			}
			if len(full) <= c.sent[i] {
				continue
			}
			delta := full[c.sent[i]:]
			c.sent[i] = len(full)
			c.dirty = true
			eventType := models.EventText
			if part.Type == models.PartThinking {
				eventType = models.EventThinking
			}
			err := sink(&models.GenerationEvent{
				Type:         eventType,
				GenerationID: gen.ID,
				Timestamp:    time.Now().UTC(),
				Text:         delta,
			})
			if err != nil {
				return err
			}

		case models.PartSystem:
			if c.sent[i] != 0 {
				continue
			}
			c.sent[i] = 1
			c.dirty = true
			err := sink(&models.GenerationEvent{
				Type:         models.EventText,
				GenerationID: gen.ID,
				Timestamp:    time.Now().UTC(),
				Text:         part.Content,
			})
			if err != nil {
				return err
			}

		default:
			// tool_use, tool_result, and resolved approval parts travel
			// whole; the event type mirrors Part.Type.
			if c.sent[i] != 0 {
				continue
			}
			c.sent[i] = 1
			c.dirty = true
			eventType := models.EventToolUse
			switch part.Type {
			case models.PartToolResult:
				eventType = models.EventToolResult
			case models.PartApproval:
				eventType = models.EventApproval
			}
			copied := part
			err := sink(&models.GenerationEvent{
				Type:         eventType,
				GenerationID: gen.ID,
				Timestamp:    time.Now().UTC(),
				Part:         &copied,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *cursor) emitStatus(gen *models.Generation, sink Sink) error {
	c.lastStatus = gen.Status
	c.lastPhase = gen.Phase
	return sink(&models.GenerationEvent{
		Type:         models.EventStatusChange,
		GenerationID: gen.ID,
		Timestamp:    time.Now().UTC(),
		Status:       gen.Status,
		Phase:        gen.Phase,
	})
}

// emitHeartbeat repeats the current status so idle clients know the
// stream is alive.
func (c *cursor) emitHeartbeat(gen *models.Generation, sink Sink) error {
	return c.emitStatus(gen, sink)
}
