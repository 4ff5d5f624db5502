package runner

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/pkg/opencode"
)

// maxInlineAttachment caps images passed inline as data URLs. Larger
// images are staged on disk like any other file.
const maxInlineAttachment = 8 << 20

// promptAndConsume subscribes first, then runs the prompt request and
// the event loop as two tasks. Subscribing before prompting closes the
// window where early events would be lost.
func (r *Runner) promptAndConsume(ctx context.Context, s *run) error {
	eventCh, err := s.session.Client.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to provider events: %w", err)
	}

	prompt, err := r.buildPrompt(ctx, s)
	if err != nil {
		return err
	}
	s.phase(ctx, r, PhasePromptSent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.session.Client.Prompt(gctx, prompt); err != nil {
			return fmt.Errorf("send prompt: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return r.consume(gctx, s, eventCh)
	})
	return g.Wait()
}

// buildPrompt assembles the provider prompt: the user text, inline
// images, and a reference to any files staged in the sandbox.
func (r *Runner) buildPrompt(ctx context.Context, s *run) (opencode.PromptRequest, error) {
	parts := []opencode.PartInput{{
		Type: opencode.PartInputText,
		Text: s.userMsg.Content,
	}}

	var staged []string
	for _, att := range s.userMsg.Attachments {
		if att.ID == "" {
			continue
		}
		data, err := r.readObject(ctx, att.ID)
		if err != nil {
			return opencode.PromptRequest{}, fmt.Errorf("read attachment %s: %w", att.Name, err)
		}

		if att.IsImage() && len(data) <= maxInlineAttachment {
			parts = append(parts, opencode.PartInput{
				Type:     opencode.PartInputFile,
				Mime:     att.MediaType,
				URL:      "data:" + att.MediaType + ";base64," + base64.StdEncoding.EncodeToString(data),
				Filename: att.Name,
			})
			continue
		}

		target := path.Join(uploadsDir, path.Base(att.Name))
		if err := s.session.Sandbox.WriteFile(ctx, target, data); err != nil {
			return opencode.PromptRequest{}, fmt.Errorf("stage attachment %s: %w", att.Name, err)
		}
		staged = append(staged, target)
	}

	if len(staged) > 0 {
		parts = append(parts, opencode.PartInput{
			Type: opencode.PartInputText,
			Text: "The user attached files, available in the sandbox at:\n" + strings.Join(staged, "\n"),
		})
	}

	return opencode.PromptRequest{
		Model: modelSpec(s.gen.Model),
		Parts: parts,
	}, nil
}

func (r *Runner) readObject(ctx context.Context, id string) ([]byte, error) {
	rc, err := r.objects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// modelSpec maps the stored model name onto the provider's spec. Only
// anthropic models pass admission, so the provider id is fixed.
func modelSpec(model string) *opencode.ModelSpec {
	if model == "" {
		return nil
	}
	return &opencode.ModelSpec{ProviderID: "anthropic", ModelID: model}
}
