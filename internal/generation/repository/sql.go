package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/db/dialect"
	"github.com/parleyhq/parley/internal/generation/models"
)

type sqlStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
	ownsDB bool
}

var _ Store = (*sqlStore)(nil)

// NewSQLStoreWithDB creates a store on existing connections (shared ownership).
func NewSQLStoreWithDB(writer, reader *sqlx.DB, driver string) (Store, error) {
	return newSQLStore(writer, reader, driver, false)
}

func newSQLStore(writer, reader *sqlx.DB, driver string, ownsDB bool) (*sqlStore, error) {
	store := &sqlStore{db: writer, ro: reader, driver: driver, ownsDB: ownsDB}
	if err := store.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (r *sqlStore) Close() error {
	if !r.ownsDB {
		return nil
	}
	if r.ro != nil && r.ro != r.db {
		_ = r.ro.Close()
	}
	return r.db.Close()
}

// activeStatusList returns the quoted SQL list of non-terminal statuses.
func activeStatusList() string {
	statuses := models.NonTerminalStatuses()
	quoted := make([]string, 0, len(statuses))
	for _, s := range statuses {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return strings.Join(quoted, ", ")
}

// terminalStatusList returns the quoted SQL list of terminal statuses.
func terminalStatusList() string {
	return "'" + string(models.GenerationCompleted) + "', '" + string(models.GenerationCancelled) + "', '" + string(models.GenerationError) + "'"
}

// initSchema creates the tables if they don't exist. Statements run one at a
// time because pgx rejects multi-statement Exec.
func (r *sqlStore) initSchema() error {
	ts := dialect.TimestampType(r.driver)
	js := dialect.JSONType(r.driver)

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'chat',
			model TEXT NOT NULL DEFAULT '',
			auto_approve INTEGER NOT NULL DEFAULT 0,
			current_generation_id TEXT NOT NULL DEFAULT '',
			generation_status TEXT NOT NULL DEFAULT 'idle',
			sandbox_id TEXT NOT NULL DEFAULT '',
			opencode_session_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_id ON conversations(user_id, updated_at)`,

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			workflow_run_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL DEFAULT '',
			content_parts %s NOT NULL,
			pending_approval %s,
			pending_auth %s,
			execution_policy %s NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			sandbox_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			is_finalizing INTEGER NOT NULL DEFAULT 0,
			timing %s,
			started_at %s NOT NULL,
			completed_at %s,
			cancel_requested_at %s,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, js, js, js, js, js, ts, ts, ts, ts, ts),
		// One non-terminal generation per conversation, enforced by the database.
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_generations_one_active
			ON generations(conversation_id) WHERE status IN (%s)`, activeStatusList()),
		`CREATE INDEX IF NOT EXISTS idx_generations_conversation_id ON generations(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_status_updated ON generations(status, updated_at)`,

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			generation_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			content_parts %s,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			timing %s,
			attachments %s,
			sandbox_files %s,
			created_at %s NOT NULL
		)`, js, js, js, js, ts),
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, created_at)`,

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS queued_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			file_attachments %s,
			selected_skills %s,
			status TEXT NOT NULL DEFAULT 'queued',
			generation_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, js, js, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_queued_messages_conversation ON queued_messages(conversation_id, status, created_at)`,

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			generation_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow_id ON workflow_runs(workflow_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation matches constraint errors from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// marshalOrNull returns SQL NULL for nil values so optional JSON columns
// stay empty instead of holding the string "null".
func marshalOrNull(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Conversation operations

func (r *sqlStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation is nil")
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Type == "" {
		conv.Type = models.ConversationTypeChat
	}
	if conv.GenerationStatus == "" {
		conv.GenerationStatus = models.ConversationIdle
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO conversations (id, user_id, type, model, auto_approve, current_generation_id, generation_status, sandbox_id, opencode_session_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), conv.ID, conv.UserID, conv.Type, conv.Model, dialect.BoolToInt(conv.AutoApprove), conv.CurrentGenerationID, conv.GenerationStatus, conv.SandboxID, conv.SessionID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	return err
}

func (r *sqlStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, user_id, type, model, auto_approve, current_generation_id, generation_status, sandbox_id, opencode_session_id, title, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`), id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return conv, err
}

func (r *sqlStore) ListConversations(ctx context.Context, userID, query string, limit int) ([]*models.Conversation, error) {
	sqlQuery := `
		SELECT id, user_id, type, model, auto_approve, current_generation_id, generation_status, sandbox_id, opencode_session_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = ?`
	args := []any{userID}
	if query != "" {
		sqlQuery += fmt.Sprintf(" AND title %s ?", dialect.Like(r.driver))
		args = append(args, "%"+query+"%")
	}
	sqlQuery += " ORDER BY updated_at DESC"
	if limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(sqlQuery), args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var conversations []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (r *sqlStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation is nil")
	}
	conv.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations
		SET type = ?, model = ?, auto_approve = ?, current_generation_id = ?, generation_status = ?, sandbox_id = ?, opencode_session_id = ?, title = ?, updated_at = ?
		WHERE id = ?
	`), conv.Type, conv.Model, dialect.BoolToInt(conv.AutoApprove), conv.CurrentGenerationID, conv.GenerationStatus, conv.SandboxID, conv.SessionID, conv.Title, conv.UpdatedAt, conv.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conv.ID)
	}
	return nil
}

func (r *sqlStore) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus, currentGenerationID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations
		SET generation_status = ?, current_generation_id = ?, updated_at = ?
		WHERE id = ?
	`), status, currentGenerationID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

func (r *sqlStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
	`), title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

func (r *sqlStore) UpdateConversationSession(ctx context.Context, id, sandboxID, sessionID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations SET sandbox_id = ?, opencode_session_id = ?, updated_at = ? WHERE id = ?
	`), sandboxID, sessionID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

// Generation operations

func (r *sqlStore) InsertGeneration(ctx context.Context, gen *models.Generation) error {
	if gen == nil {
		return fmt.Errorf("generation is nil")
	}
	if gen.ID == "" {
		gen.ID = uuid.New().String()
	}
	if gen.Status == "" {
		gen.Status = models.GenerationRunning
	}
	now := time.Now().UTC()
	if gen.StartedAt.IsZero() {
		gen.StartedAt = now
	}
	gen.CreatedAt = now
	gen.UpdatedAt = now
	if gen.ContentParts == nil {
		gen.ContentParts = []models.ContentPart{}
	}

	parts, err := marshalJSON(gen.ContentParts)
	if err != nil {
		return err
	}
	policy, err := marshalJSON(gen.Policy)
	if err != nil {
		return err
	}
	pendingApproval, err := marshalOrNull(gen.PendingApproval, gen.PendingApproval == nil)
	if err != nil {
		return err
	}
	pendingAuth, err := marshalOrNull(gen.PendingAuth, gen.PendingAuth == nil)
	if err != nil {
		return err
	}
	timing, err := marshalOrNull(gen.Timing, len(gen.Timing) == 0)
	if err != nil {
		return err
	}

	var completedAt, cancelRequested any
	if gen.CompletedAt != nil {
		completedAt = *gen.CompletedAt
	}
	if gen.CancelRequested != nil {
		cancelRequested = *gen.CancelRequested
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO generations (id, conversation_id, workflow_run_id, status, model, phase, content_parts, pending_approval, pending_auth, execution_policy, input_tokens, output_tokens, sandbox_id, message_id, error_message, is_finalizing, timing, started_at, completed_at, cancel_requested_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), gen.ID, gen.ConversationID, gen.WorkflowRunID, gen.Status, gen.Model, gen.Phase, parts, pendingApproval, pendingAuth, policy, gen.InputTokens, gen.OutputTokens, gen.SandboxID, gen.MessageID, gen.ErrorMessage, dialect.BoolToInt(gen.IsFinalizing), timing, gen.StartedAt, completedAt, cancelRequested, gen.CreatedAt, gen.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: conversation %s", ErrActiveExists, gen.ConversationID)
	}
	return err
}

func (r *sqlStore) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, conversation_id, workflow_run_id, status, model, phase, content_parts, pending_approval, pending_auth, execution_policy, input_tokens, output_tokens, sandbox_id, message_id, error_message, is_finalizing, timing, started_at, completed_at, cancel_requested_at, created_at, updated_at
		FROM generations
		WHERE id = ?
	`), id)
	gen, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: generation %s", ErrNotFound, id)
	}
	return gen, err
}

func (r *sqlStore) GetGenerationWithConversation(ctx context.Context, id string) (*models.Generation, *models.Conversation, error) {
	gen, err := r.GetGeneration(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	conv, err := r.GetConversation(ctx, gen.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return gen, conv, nil
}

func (r *sqlStore) FindActiveGeneration(ctx context.Context, conversationID string) (*models.Generation, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(fmt.Sprintf(`
		SELECT id, conversation_id, workflow_run_id, status, model, phase, content_parts, pending_approval, pending_auth, execution_policy, input_tokens, output_tokens, sandbox_id, message_id, error_message, is_finalizing, timing, started_at, completed_at, cancel_requested_at, created_at, updated_at
		FROM generations
		WHERE conversation_id = ? AND status IN (%s)
		LIMIT 1
	`, activeStatusList())), conversationID)
	gen, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return gen, err
}

// updateActive runs an UPDATE restricted to non-terminal generations and
// maps zero affected rows to ErrConflict.
func (r *sqlStore) updateActive(ctx context.Context, id, setClause string, args ...any) error {
	query := fmt.Sprintf(`UPDATE generations SET %s, updated_at = ? WHERE id = ? AND status NOT IN (%s)`, setClause, terminalStatusList())
	args = append(args, time.Now().UTC(), id)
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: generation %s is terminal or missing", ErrConflict, id)
	}
	return nil
}

func (r *sqlStore) SetGenerationPhase(ctx context.Context, id, phase string) error {
	return r.updateActive(ctx, id, "phase = ?", phase)
}

func (r *sqlStore) SetGenerationSandbox(ctx context.Context, id, sandboxID string) error {
	return r.updateActive(ctx, id, "sandbox_id = ?", sandboxID)
}

func (r *sqlStore) SetGenerationContent(ctx context.Context, id string, parts []models.ContentPart, inputTokens, outputTokens int) error {
	if parts == nil {
		parts = []models.ContentPart{}
	}
	encoded, err := marshalJSON(parts)
	if err != nil {
		return err
	}
	return r.updateActive(ctx, id, "content_parts = ?, input_tokens = ?, output_tokens = ?", encoded, inputTokens, outputTokens)
}

func (r *sqlStore) SetPendingApproval(ctx context.Context, id string, pending *models.PendingApproval) error {
	if pending == nil {
		return fmt.Errorf("pending approval is nil")
	}
	encoded, err := marshalJSON(pending)
	if err != nil {
		return err
	}
	return r.updateActive(ctx, id, "status = ?, pending_approval = ?", models.GenerationAwaitingApproval, encoded)
}

func (r *sqlStore) SetPendingAuth(ctx context.Context, id string, pending *models.PendingAuth) error {
	if pending == nil {
		return fmt.Errorf("pending auth is nil")
	}
	encoded, err := marshalJSON(pending)
	if err != nil {
		return err
	}
	return r.updateActive(ctx, id, "status = ?, pending_auth = ?", models.GenerationAwaitingAuth, encoded)
}

func (r *sqlStore) UpdatePendingApproval(ctx context.Context, id string, pending *models.PendingApproval) error {
	encoded, err := marshalOrNull(pending, pending == nil)
	if err != nil {
		return err
	}
	return r.updateActive(ctx, id, "pending_approval = ?", encoded)
}

func (r *sqlStore) UpdatePendingAuth(ctx context.Context, id string, pending *models.PendingAuth) error {
	encoded, err := marshalOrNull(pending, pending == nil)
	if err != nil {
		return err
	}
	return r.updateActive(ctx, id, "pending_auth = ?", encoded)
}

func (r *sqlStore) ResumeRunning(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`
		UPDATE generations
		SET status = ?, pending_approval = NULL, pending_auth = NULL, updated_at = ?
		WHERE id = ? AND status IN ('%s', '%s', '%s')
	`, models.GenerationAwaitingApproval, models.GenerationAwaitingAuth, models.GenerationPaused)), models.GenerationRunning, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: generation %s is not waiting", ErrConflict, id)
	}
	return nil
}

func (r *sqlStore) RequestCancel(ctx context.Context, id string, at time.Time) error {
	// Idempotent: a second cancel keeps the original timestamp.
	_, err := r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`
		UPDATE generations
		SET cancel_requested_at = ?, updated_at = ?
		WHERE id = ? AND cancel_requested_at IS NULL AND status NOT IN (%s)
	`, terminalStatusList())), at.UTC(), time.Now().UTC(), id)
	return err
}

func (r *sqlStore) TryBeginFinalize(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`
		UPDATE generations
		SET is_finalizing = 1, updated_at = ?
		WHERE id = ? AND is_finalizing = 0 AND status NOT IN (%s)
	`, terminalStatusList())), time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows == 1 {
		return true, nil
	}
	if _, err := r.GetGeneration(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *sqlStore) FinalizeGeneration(ctx context.Context, id string, status models.GenerationStatus, errorMessage, messageID string, inputTokens, outputTokens int, timing map[string]int64) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	timingValue, err := marshalOrNull(timing, len(timing) == 0)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`
		UPDATE generations
		SET status = ?, error_message = ?, message_id = ?, input_tokens = ?, output_tokens = ?, timing = ?,
			pending_approval = NULL, pending_auth = NULL, is_finalizing = 0, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (%s)
	`, terminalStatusList())), status, errorMessage, messageID, inputTokens, outputTokens, timingValue, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: generation %s already terminal or missing", ErrConflict, id)
	}
	return nil
}

func (r *sqlStore) SetGenerationPaused(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE generations
		SET status = ?, pending_approval = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`), models.GenerationPaused, time.Now().UTC(), id, models.GenerationAwaitingApproval)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: generation %s is not awaiting approval", ErrConflict, id)
	}
	return nil
}

func (r *sqlStore) ListStaleGenerations(ctx context.Context, status models.GenerationStatus, olderThan time.Duration) ([]*models.Generation, error) {
	seconds := fmt.Sprintf("%d", int64(olderThan.Seconds()))
	query := fmt.Sprintf(`
		SELECT id, conversation_id, workflow_run_id, status, model, phase, content_parts, pending_approval, pending_auth, execution_policy, input_tokens, output_tokens, sandbox_id, message_id, error_message, is_finalizing, timing, started_at, completed_at, cancel_requested_at, created_at, updated_at
		FROM generations
		WHERE status = ? AND updated_at < %s
		ORDER BY updated_at ASC
	`, dialect.NowMinusSeconds(r.driver, "?"))

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), status, seconds)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var generations []*models.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		generations = append(generations, gen)
	}
	return generations, rows.Err()
}

// Message operations

func (r *sqlStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	parts, err := marshalOrNull(msg.ContentParts, len(msg.ContentParts) == 0)
	if err != nil {
		return err
	}
	timing, err := marshalOrNull(msg.Timing, len(msg.Timing) == 0)
	if err != nil {
		return err
	}
	attachments, err := marshalOrNull(msg.Attachments, len(msg.Attachments) == 0)
	if err != nil {
		return err
	}
	sandboxFiles, err := marshalOrNull(msg.SandboxFiles, len(msg.SandboxFiles) == 0)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO messages (id, conversation_id, generation_id, role, content, content_parts, input_tokens, output_tokens, timing, attachments, sandbox_files, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.ConversationID, msg.GenerationID, msg.Role, msg.Content, parts, msg.InputTokens, msg.OutputTokens, timing, attachments, sandboxFiles, msg.CreatedAt)
	return err
}

func (r *sqlStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, conversation_id, generation_id, role, content, content_parts, input_tokens, output_tokens, timing, attachments, sandbox_files, created_at
		FROM messages
		WHERE id = ?
	`), id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return msg, err
}

func (r *sqlStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, generation_id, role, content, content_parts, input_tokens, output_tokens, timing, attachments, sandbox_files, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Queued message operations

func (r *sqlStore) EnqueueQueuedMessage(ctx context.Context, qm *models.QueuedMessage) error {
	if qm == nil {
		return fmt.Errorf("queued message is nil")
	}
	if qm.ID == "" {
		qm.ID = uuid.New().String()
	}
	if qm.Status == "" {
		qm.Status = models.QueuedMessageQueued
	}
	now := time.Now().UTC()
	qm.CreatedAt = now
	qm.UpdatedAt = now

	attachments, err := marshalOrNull(qm.Attachments, len(qm.Attachments) == 0)
	if err != nil {
		return err
	}
	skills, err := marshalOrNull(qm.SelectedSkills, len(qm.SelectedSkills) == 0)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO queued_messages (id, conversation_id, user_id, content, file_attachments, selected_skills, status, generation_id, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), qm.ID, qm.ConversationID, qm.UserID, qm.Content, attachments, skills, qm.Status, qm.GenerationID, qm.ErrorMessage, qm.CreatedAt, qm.UpdatedAt)
	return err
}

func (r *sqlStore) ListQueuedMessages(ctx context.Context, conversationID string) ([]*models.QueuedMessage, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, conversation_id, user_id, content, file_attachments, selected_skills, status, generation_id, error_message, created_at, updated_at
		FROM queued_messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`), conversationID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var queued []*models.QueuedMessage
	for rows.Next() {
		qm, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, err
		}
		queued = append(queued, qm)
	}
	return queued, rows.Err()
}

func (r *sqlStore) DeleteQueuedMessage(ctx context.Context, id, conversationID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM queued_messages
		WHERE id = ? AND conversation_id = ? AND status = ?
	`), id, conversationID, models.QueuedMessageQueued)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (r *sqlStore) ClaimNextQueued(ctx context.Context, conversationID string) (*models.QueuedMessage, error) {
	for {
		row := r.db.QueryRowContext(ctx, r.db.Rebind(`
			SELECT id, conversation_id, user_id, content, file_attachments, selected_skills, status, generation_id, error_message, created_at, updated_at
			FROM queued_messages
			WHERE conversation_id = ? AND status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`), conversationID, models.QueuedMessageQueued)
		qm, err := scanQueuedMessage(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		result, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE queued_messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`), models.QueuedMessageProcessing, time.Now().UTC(), qm.ID, models.QueuedMessageQueued)
		if err != nil {
			return nil, err
		}
		// Another worker may have claimed the row first; pick the next one.
		if rows, _ := result.RowsAffected(); rows == 1 {
			qm.Status = models.QueuedMessageProcessing
			return qm, nil
		}
	}
}

func (r *sqlStore) MarkQueuedSent(ctx context.Context, id, generationID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE queued_messages SET status = ?, generation_id = ?, updated_at = ? WHERE id = ?
	`), models.QueuedMessageSent, generationID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: queued message %s", ErrNotFound, id)
	}
	return nil
}

func (r *sqlStore) MarkQueuedFailed(ctx context.Context, id, errorMessage string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE queued_messages SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`), models.QueuedMessageFailed, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: queued message %s", ErrNotFound, id)
	}
	return nil
}

func (r *sqlStore) ReleaseQueued(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE queued_messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`), models.QueuedMessageQueued, time.Now().UTC(), id, models.QueuedMessageProcessing)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: queued message %s is not processing", ErrConflict, id)
	}
	return nil
}

// Workflow run operations

func (r *sqlStore) CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	if run == nil {
		return fmt.Errorf("workflow run is nil")
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.WorkflowRunRunning
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO workflow_runs (id, workflow_id, conversation_id, generation_id, title, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.WorkflowID, run.ConversationID, run.GenerationID, run.Title, run.Content, run.Status, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r *sqlStore) GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, workflow_id, conversation_id, generation_id, title, content, status, created_at, updated_at
		FROM workflow_runs
		WHERE id = ?
	`), id)
	run, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workflow run %s", ErrNotFound, id)
	}
	return run, err
}

func (r *sqlStore) UpdateWorkflowRunStatus(ctx context.Context, id string, status models.WorkflowRunStatus) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflow_runs SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: workflow run %s", ErrNotFound, id)
	}
	return nil
}

func (r *sqlStore) LinkWorkflowRun(ctx context.Context, id, conversationID, generationID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflow_runs SET conversation_id = ?, generation_id = ?, updated_at = ? WHERE id = ?
	`), conversationID, generationID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: workflow run %s", ErrNotFound, id)
	}
	return nil
}

// Scan helpers

func scanConversation(scanner interface{ Scan(dest ...any) error }) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var autoApprove int
	if err := scanner.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Type,
		&conv.Model,
		&autoApprove,
		&conv.CurrentGenerationID,
		&conv.GenerationStatus,
		&conv.SandboxID,
		&conv.SessionID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	conv.AutoApprove = autoApprove == 1
	return conv, nil
}

func scanGeneration(scanner interface{ Scan(dest ...any) error }) (*models.Generation, error) {
	gen := &models.Generation{}
	var contentParts, policy string
	var pendingApproval, pendingAuth, timing sql.NullString
	var isFinalizing int
	var completedAt, cancelRequested sql.NullTime
	if err := scanner.Scan(
		&gen.ID,
		&gen.ConversationID,
		&gen.WorkflowRunID,
		&gen.Status,
		&gen.Model,
		&gen.Phase,
		&contentParts,
		&pendingApproval,
		&pendingAuth,
		&policy,
		&gen.InputTokens,
		&gen.OutputTokens,
		&gen.SandboxID,
		&gen.MessageID,
		&gen.ErrorMessage,
		&isFinalizing,
		&timing,
		&gen.StartedAt,
		&completedAt,
		&cancelRequested,
		&gen.CreatedAt,
		&gen.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contentParts), &gen.ContentParts); err != nil {
		return nil, fmt.Errorf("decode content parts for generation %s: %w", gen.ID, err)
	}
	if err := json.Unmarshal([]byte(policy), &gen.Policy); err != nil {
		return nil, fmt.Errorf("decode execution policy for generation %s: %w", gen.ID, err)
	}
	if pendingApproval.Valid && pendingApproval.String != "" {
		gen.PendingApproval = &models.PendingApproval{}
		if err := json.Unmarshal([]byte(pendingApproval.String), gen.PendingApproval); err != nil {
			return nil, fmt.Errorf("decode pending approval for generation %s: %w", gen.ID, err)
		}
	}
	if pendingAuth.Valid && pendingAuth.String != "" {
		gen.PendingAuth = &models.PendingAuth{}
		if err := json.Unmarshal([]byte(pendingAuth.String), gen.PendingAuth); err != nil {
			return nil, fmt.Errorf("decode pending auth for generation %s: %w", gen.ID, err)
		}
	}
	if timing.Valid && timing.String != "" {
		_ = json.Unmarshal([]byte(timing.String), &gen.Timing)
	}
	gen.IsFinalizing = isFinalizing == 1
	if completedAt.Valid {
		t := completedAt.Time
		gen.CompletedAt = &t
	}
	if cancelRequested.Valid {
		t := cancelRequested.Time
		gen.CancelRequested = &t
	}
	return gen, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*models.Message, error) {
	msg := &models.Message{}
	var contentParts, timing, attachments, sandboxFiles sql.NullString
	if err := scanner.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.GenerationID,
		&msg.Role,
		&msg.Content,
		&contentParts,
		&msg.InputTokens,
		&msg.OutputTokens,
		&timing,
		&attachments,
		&sandboxFiles,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	if contentParts.Valid && contentParts.String != "" {
		_ = json.Unmarshal([]byte(contentParts.String), &msg.ContentParts)
	}
	if timing.Valid && timing.String != "" {
		_ = json.Unmarshal([]byte(timing.String), &msg.Timing)
	}
	if attachments.Valid && attachments.String != "" {
		_ = json.Unmarshal([]byte(attachments.String), &msg.Attachments)
	}
	if sandboxFiles.Valid && sandboxFiles.String != "" {
		_ = json.Unmarshal([]byte(sandboxFiles.String), &msg.SandboxFiles)
	}
	return msg, nil
}

func scanQueuedMessage(scanner interface{ Scan(dest ...any) error }) (*models.QueuedMessage, error) {
	qm := &models.QueuedMessage{}
	var attachments, skills sql.NullString
	if err := scanner.Scan(
		&qm.ID,
		&qm.ConversationID,
		&qm.UserID,
		&qm.Content,
		&attachments,
		&skills,
		&qm.Status,
		&qm.GenerationID,
		&qm.ErrorMessage,
		&qm.CreatedAt,
		&qm.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if attachments.Valid && attachments.String != "" {
		_ = json.Unmarshal([]byte(attachments.String), &qm.Attachments)
	}
	if skills.Valid && skills.String != "" {
		_ = json.Unmarshal([]byte(skills.String), &qm.SelectedSkills)
	}
	return qm, nil
}

func scanWorkflowRun(scanner interface{ Scan(dest ...any) error }) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{}
	if err := scanner.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.ConversationID,
		&run.GenerationID,
		&run.Title,
		&run.Content,
		&run.Status,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return run, nil
}
