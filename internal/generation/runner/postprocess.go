package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/objectstore"
	"github.com/parleyhq/parley/internal/skills"
)

const (
	draftsDir = "/app/.opencode/integration-skill-drafts"
	// maxSurfacedFile caps a sandbox file copied into the object store.
	maxSurfacedFile = 25 << 20
)

// noisePrefixes and noiseSegments filter the new-file scan. The model
// touches plenty of files that are not deliverables.
var (
	noisePrefixes = []string{
		draftsDir,
		uploadsDir,
		skillsDir,
		integrationsDir,
		"/app/.parley",
	}
	noiseSegments = []string{
		"/node_modules/", "/.git/", "/.cache/", "/.npm/",
		"/.opencode/", "/.local/", "/.config/", "/__pycache__/",
	}
)

// postProcess imports skill drafts and surfaces new sandbox files. Both
// steps are best effort; a failure never fails the generation.
func (r *Runner) postProcess(ctx context.Context, s *run) []models.SandboxFile {
	r.importDrafts(ctx, s)
	return r.surfaceNewFiles(ctx, s)
}

// importDrafts turns deposited draft JSON files into platform skills,
// deleting each draft only after a successful import so a crashed run
// retries it.
func (r *Runner) importDrafts(ctx context.Context, s *run) {
	result, err := s.session.Sandbox.RunCommand(ctx,
		fmt.Sprintf("ls %s/*.json 2>/dev/null", draftsDir))
	if err != nil || result.ExitCode != 0 {
		return
	}

	for _, file := range strings.Fields(result.Stdout) {
		data, err := s.session.Sandbox.ReadFile(ctx, file)
		if err != nil {
			s.log.Warn("read skill draft", zap.String("file", file), zap.Error(err))
			continue
		}

		var draft skills.Draft
		if err := json.Unmarshal(data, &draft); err != nil {
			s.log.Warn("parse skill draft", zap.String("file", file), zap.Error(err))
			continue
		}
		if err := draft.Validate(); err != nil {
			s.log.Warn("invalid skill draft", zap.String("file", file), zap.Error(err))
			continue
		}

		if err := r.skills.UpsertSkill(ctx, &skills.Skill{
			Name:         draft.Name,
			Title:        draft.Title,
			Description:  draft.Description,
			Instructions: draft.Instructions,
			UpdatedAt:    time.Now().UTC(),
		}); err != nil {
			s.log.Warn("import skill draft", zap.String("name", draft.Name), zap.Error(err))
			continue
		}

		if _, err := s.session.Sandbox.RunCommand(ctx, "rm -f "+file); err != nil {
			s.log.Debug("remove imported draft", zap.String("file", file), zap.Error(err))
		}
		s.log.Info("imported skill draft", zap.String("name", draft.Name))
	}
}

// surfaceNewFiles uploads files the model created this turn and
// mentioned in its answer.
func (r *Runner) surfaceNewFiles(ctx context.Context, s *run) []models.SandboxFile {
	marker := s.start.Unix()
	result, err := s.session.Sandbox.RunCommand(ctx,
		fmt.Sprintf("find /app /home/user -type f -newermt @%d 2>/dev/null", marker))
	if err != nil || result.ExitCode != 0 {
		return nil
	}

	answer := finalAnswerText(s.norm.Parts())
	var surfaced []models.SandboxFile
	for _, file := range strings.Fields(result.Stdout) {
		if isNoisePath(file) {
			continue
		}
		name := path.Base(file)
		if !strings.Contains(answer, name) {
			continue
		}

		data, err := s.session.Sandbox.ReadFile(ctx, file)
		if err != nil {
			s.log.Debug("read surfaced file", zap.String("file", file), zap.Error(err))
			continue
		}
		if len(data) == 0 || len(data) > maxSurfacedFile {
			continue
		}

		id, err := r.objects.Put(ctx, bytes.NewReader(data), objectstore.PutOptions{Name: name})
		if err != nil {
			s.log.Warn("upload surfaced file", zap.String("file", file), zap.Error(err))
			continue
		}
		surfaced = append(surfaced, models.SandboxFile{
			ID:   id,
			Path: file,
			Name: name,
			Size: int64(len(data)),
		})
	}

	if len(surfaced) > 0 {
		s.log.Info("surfaced sandbox files", zap.Int("count", len(surfaced)))
	}
	return surfaced
}

func isNoisePath(file string) bool {
	for _, prefix := range noisePrefixes {
		if file == prefix || strings.HasPrefix(file, prefix+"/") {
			return true
		}
	}
	for _, segment := range noiseSegments {
		if strings.Contains(file, segment) {
			return true
		}
	}
	base := path.Base(file)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if _, err := strconv.Atoi(base); err == nil {
		// Bare numeric names are almost always runtime droppings.
		return true
	}
	return false
}

// finalAnswerText concatenates the text parts of the transcript.
func finalAnswerText(parts []models.ContentPart) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type == models.PartText {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
