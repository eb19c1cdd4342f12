package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

// RunStatus is the outcome of an analysis run (database enum)
type RunStatus string

const (
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusError     RunStatus = "ERROR"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("analysis run not found")

// Run is one persisted workflow turn.
type Run struct {
	ID             uuid.UUID                    `json:"id"`
	SessionID      string                       `json:"session_id"`
	Message        string                       `json:"message"`
	Recommendation string                       `json:"recommendation"`
	Status         RunStatus                    `json:"status"`
	Error          string                       `json:"error,omitempty"`
	Stages         []string                     `json:"stages"`
	DurationMs     int64                        `json:"duration_ms"`
	CreatedAt      time.Time                    `json:"created_at"`
	DecisionCount  int64                        `json:"decision_count"`
	Decisions      []advisor.AggregatedDecision `json:"decisions,omitempty"`
}

// RunRepository reads and writes analysis runs.
type RunRepository struct {
	pool Pool
}

// NewRunRepository creates a repository over pool.
func NewRunRepository(pool Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

const insertRunSQL = `
	INSERT INTO analysis_runs (
		id, session_id, message, recommendation, status, error, stages, duration_ms, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9
	)`

const insertDecisionSQL = `
	INSERT INTO run_decisions (
		run_id, ticker, action, confidence_score, consensus_strength, opinions
	) VALUES (
		$1, $2, $3, $4, $5, $6
	)`

// SaveRun stores run and its decisions in one transaction. A zero ID or
// CreatedAt is filled in.
func (r *RunRepository) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Stages == nil {
		run.Stages = []string{}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	rollback := func(cause error) error {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Warn().Err(rbErr).Str("run_id", run.ID.String()).Msg("Failed to roll back run insert")
		}
		return cause
	}

	var runErr *string
	if run.Error != "" {
		runErr = &run.Error
	}

	_, err = tx.Exec(ctx, insertRunSQL,
		run.ID,
		run.SessionID,
		run.Message,
		run.Recommendation,
		string(run.Status),
		runErr,
		run.Stages,
		run.DurationMs,
		run.CreatedAt,
	)
	if err != nil {
		return rollback(fmt.Errorf("failed to insert analysis run: %w", err))
	}

	for _, d := range run.Decisions {
		opinions, err := json.Marshal(d.Opinions)
		if err != nil {
			return rollback(fmt.Errorf("failed to marshal opinions for %s: %w", d.Ticker, err))
		}
		_, err = tx.Exec(ctx, insertDecisionSQL,
			run.ID,
			d.Ticker,
			string(d.FinalAction),
			d.ConfidenceScore,
			d.ConsensusStrength,
			opinions,
		)
		if err != nil {
			return rollback(fmt.Errorf("failed to insert decision for %s: %w", d.Ticker, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit analysis run: %w", err)
	}
	run.DecisionCount = int64(len(run.Decisions))

	log.Debug().
		Str("run_id", run.ID.String()).
		Str("session_id", run.SessionID).
		Int("decisions", len(run.Decisions)).
		Msg("Analysis run saved")
	return nil
}

const listRunsSQL = `
	SELECT r.id, r.session_id, r.message, r.recommendation, r.status,
	       COALESCE(r.error, ''), r.stages, r.duration_ms, r.created_at,
	       (SELECT COUNT(*) FROM run_decisions d WHERE d.run_id = r.id)
	FROM analysis_runs r
	ORDER BY r.created_at DESC
	LIMIT $1`

// ListRecentRuns returns the newest runs first, without decisions. limit
// is clamped to [1, 100]; zero or less means 20.
func (r *RunRepository) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}

	rows, err := r.pool.Query(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var run Run
		var id, status string
		if err := rows.Scan(
			&id,
			&run.SessionID,
			&run.Message,
			&run.Recommendation,
			&status,
			&run.Error,
			&run.Stages,
			&run.DurationMs,
			&run.CreatedAt,
			&run.DecisionCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan analysis run: %w", err)
		}
		if run.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid analysis run id %q: %w", id, err)
		}
		run.Status = RunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analysis runs: %w", err)
	}
	return runs, nil
}

const listDecisionsSQL = `
	SELECT ticker, action, confidence_score, consensus_strength, opinions
	FROM run_decisions
	WHERE run_id = $1
	ORDER BY id`

// GetRunDecisions returns the decisions of a run in insertion order.
func (r *RunRepository) GetRunDecisions(ctx context.Context, runID uuid.UUID) ([]advisor.AggregatedDecision, error) {
	rows, err := r.pool.Query(ctx, listDecisionsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run decisions: %w", err)
	}
	defer rows.Close()

	decisions := []advisor.AggregatedDecision{}
	for rows.Next() {
		var d advisor.AggregatedDecision
		var action string
		var opinions []byte
		if err := rows.Scan(&d.Ticker, &action, &d.ConfidenceScore, &d.ConsensusStrength, &opinions); err != nil {
			return nil, fmt.Errorf("failed to scan run decision: %w", err)
		}
		d.FinalAction = advisor.Action(action)
		if len(opinions) > 0 {
			if err := json.Unmarshal(opinions, &d.Opinions); err != nil {
				return nil, fmt.Errorf("failed to decode opinions for %s: %w", d.Ticker, err)
			}
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run decisions: %w", err)
	}
	return decisions, nil
}

const getRunSQL = `
	SELECT r.id, r.session_id, r.message, r.recommendation, r.status,
	       COALESCE(r.error, ''), r.stages, r.duration_ms, r.created_at
	FROM analysis_runs r
	WHERE r.id = $1`

// GetRun loads a run with its decisions.
func (r *RunRepository) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	var id, status string
	err := r.pool.QueryRow(ctx, getRunSQL, runID).Scan(
		&id,
		&run.SessionID,
		&run.Message,
		&run.Recommendation,
		&status,
		&run.Error,
		&run.Stages,
		&run.DurationMs,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis run: %w", err)
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid analysis run id %q: %w", id, err)
	}
	run.Status = RunStatus(status)

	run.Decisions, err = r.GetRunDecisions(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.DecisionCount = int64(len(run.Decisions))
	return &run, nil
}
