package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentwatch/ares/pkg/models"
)

// PostgresEvidenceStore persists the evidence log in PostgreSQL. Append
// order is a BIGSERIAL sequence, so ordering survives restarts; idempotent
// appends use ON CONFLICT DO NOTHING on the primary key.
type PostgresEvidenceStore struct {
	db *sql.DB
}

// NewPostgresEvidenceStore creates an evidence store over an existing
// database connection (the *sql.DB from database.Client.DB()).
func NewPostgresEvidenceStore(db *sql.DB) *PostgresEvidenceStore {
	return &PostgresEvidenceStore{db: db}
}

// AppendArtifact implements EvidenceStore.
func (s *PostgresEvidenceStore) AppendArtifact(ctx context.Context, a models.Artifact) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, task_id, kind, payload, hash, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.TaskID, a.Kind, a.Payload, a.Hash, a.SubmittedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read artifact insert result: %w", err)
	}
	return n == 0, nil
}

// AppendToolCall implements EvidenceStore.
func (s *PostgresEvidenceStore) AppendToolCall(ctx context.Context, rec models.ToolCallRecord) (bool, error) {
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return false, fmt.Errorf("failed to marshal tool call arguments: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal tool call result: %w", err)
	}

	state := rec.Validation.State
	if state == "" {
		state = models.ValidationUnchecked
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
		   (id, task_id, tool_name, arguments, result, error,
		    started_at, finished_at, validation_state, validation_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.TaskID, rec.ToolName, args, result, rec.Error,
		rec.StartedAt, rec.FinishedAt, string(state), rec.Validation.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append tool call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read tool call insert result: %w", err)
	}
	return n == 0, nil
}

// SetToolCallValidation implements EvidenceStore. The WHERE clause keeps the
// write-once contract: a call already validated is left untouched.
func (s *PostgresEvidenceStore) SetToolCallValidation(ctx context.Context, taskID, callID string, v models.Validation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls
		 SET validation_state = $1, validation_reason = $2
		 WHERE id = $3 AND task_id = $4`,
		string(v.State), v.Reason, callID, taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to set tool call validation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read validation update result: %w", err)
	}
	if n == 0 {
		// Either unknown call or already validated; distinguish via lookup.
		var state string
		err := s.db.QueryRowContext(ctx,
			`SELECT validation_state FROM tool_calls WHERE id = $1 AND task_id = $2`,
			callID, taskID,
		).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up tool call: %w", err)
		}
	}
	return nil
}

// ListArtifacts implements EvidenceStore.
func (s *PostgresEvidenceStore) ListArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, kind, payload, hash, submitted_at
		 FROM artifacts WHERE task_id = $1 ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Payload, &a.Hash, &a.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListToolCalls implements EvidenceStore.
func (s *PostgresEvidenceStore) ListToolCalls(ctx context.Context, taskID string) ([]models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, tool_name, arguments, result, error,
		        started_at, finished_at, validation_state, validation_reason
		 FROM tool_calls WHERE task_id = $1 ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var out []models.ToolCallRecord
	for rows.Next() {
		var (
			rec       models.ToolCallRecord
			args      []byte
			result    []byte
			valState  string
			valReason string
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.ToolName, &args, &result,
			&rec.Error, &rec.StartedAt, &rec.FinishedAt, &valState, &valReason); err != nil {
			return nil, fmt.Errorf("failed to scan tool call row: %w", err)
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &rec.Arguments); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool call arguments: %w", err)
			}
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &rec.Result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool call result: %w", err)
			}
		}
		rec.Validation = models.Validation{State: models.ValidationState(valState), Reason: valReason}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PostgresVerdictStore persists verdicts, one row per task.
type PostgresVerdictStore struct {
	db *sql.DB
}

// NewPostgresVerdictStore creates a verdict store over an existing connection.
func NewPostgresVerdictStore(db *sql.DB) *PostgresVerdictStore {
	return &PostgresVerdictStore{db: db}
}

// Put implements VerdictStore.
func (s *PostgresVerdictStore) Put(ctx context.Context, v models.Verdict) error {
	reasons, err := json.Marshal(v.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict reasons: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO verdicts
		   (task_id, outcome, completion, tool_usage, evidence, behavior, overall, reasons, produced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (task_id) DO NOTHING`,
		v.TaskID, string(v.Outcome),
		v.SubScores.Completion, v.SubScores.ToolUsage, v.SubScores.Evidence, v.SubScores.Behavior,
		v.Overall, reasons, v.ProducedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store verdict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read verdict insert result: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get implements VerdictStore.
func (s *PostgresVerdictStore) Get(ctx context.Context, taskID string) (*models.Verdict, error) {
	var (
		v       models.Verdict
		outcome string
		reasons []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, outcome, completion, tool_usage, evidence, behavior, overall, reasons, produced_at
		 FROM verdicts WHERE task_id = $1`,
		taskID,
	).Scan(&v.TaskID, &outcome,
		&v.SubScores.Completion, &v.SubScores.ToolUsage, &v.SubScores.Evidence, &v.SubScores.Behavior,
		&v.Overall, &reasons, &v.ProducedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verdict: %w", err)
	}
	v.Outcome = models.VerdictOutcome(outcome)
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &v.Reasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal verdict reasons: %w", err)
		}
	}
	return &v, nil
}

// PostgresEnforcementStore persists the append-only enforcement action log.
type PostgresEnforcementStore struct {
	db *sql.DB
}

// NewPostgresEnforcementStore creates an enforcement store over an existing
// connection.
func NewPostgresEnforcementStore(db *sql.DB) *PostgresEnforcementStore {
	return &PostgresEnforcementStore{db: db}
}

// Append implements EnforcementStore.
func (s *PostgresEnforcementStore) Append(ctx context.Context, action models.EnforcementAction) error {
	var expiresAt *time.Time
	if action.ExpiresAt != nil {
		expiresAt = action.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enforcement_actions
		   (id, agent_id, kind, rate, duration_ns, reason, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		action.ID, action.AgentID, string(action.Kind), action.Rate,
		int64(action.Duration), action.Reason, action.IssuedAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append enforcement action: %w", err)
	}
	return nil
}

// ListByAgent implements EnforcementStore.
func (s *PostgresEnforcementStore) ListByAgent(ctx context.Context, agentID string, since time.Time) ([]models.EnforcementAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, kind, rate, duration_ns, reason, issued_at, expires_at
		 FROM enforcement_actions
		 WHERE agent_id = $1 AND issued_at >= $2
		 ORDER BY issued_at ASC`,
		agentID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list enforcement actions: %w", err)
	}
	defer rows.Close()

	var out []models.EnforcementAction
	for rows.Next() {
		var (
			a          models.EnforcementAction
			kind       string
			durationNS int64
			expiresAt  sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &kind, &a.Rate, &durationNS,
			&a.Reason, &a.IssuedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan enforcement row: %w", err)
		}
		a.Kind = models.EnforcementKind(kind)
		a.Duration = time.Duration(durationNS)
		if expiresAt.Valid {
			t := expiresAt.Time
			a.ExpiresAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
