package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
	"github.com/ajitpratap0/moexadvisor/internal/db"
	"github.com/ajitpratap0/moexadvisor/internal/metrics"
	"github.com/ajitpratap0/moexadvisor/internal/orchestrator"
)

// AnalysisMessage is the user message behind every web-triggered run.
const AnalysisMessage = "Проанализируй мой портфель"

// ErrAnalysisRunning is returned by Start while a run is in flight.
var ErrAnalysisRunning = errors.New("Анализ уже выполняется")

// AnalysisStatus is the lifecycle state of the web analysis.
type AnalysisStatus string

const (
	StatusReady     AnalysisStatus = "ready"
	StatusAnalyzing AnalysisStatus = "analyzing"
	StatusCompleted AnalysisStatus = "completed"
	StatusError     AnalysisStatus = "error"
)

// Workflow runs one advisory turn.
type Workflow interface {
	RunStream(ctx context.Context, sessionID, message string, sink orchestrator.EventSink) orchestrator.Result
}

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, run *db.Run) error
	ListRecentRuns(ctx context.Context, limit int) ([]db.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error)
}

// Snapshot is the analysis state served by /api/status.
type Snapshot struct {
	Status               AnalysisStatus               `json:"status"`
	SessionID            string                       `json:"session_id,omitempty"`
	Portfolio            advisor.Portfolio            `json:"portfolio"`
	News                 []advisor.NewsItem           `json:"news"`
	Opinions             []advisor.Opinion            `json:"agent_opinions"`
	Decisions            []advisor.AggregatedDecision `json:"aggregated_decisions"`
	RiskAssessments      []advisor.RiskAssessment     `json:"risk_assessments"`
	FinalRecommendations string                       `json:"final_recommendations"`
	Error                *string                      `json:"error"`
	StartedAt            *time.Time                   `json:"started_at,omitempty"`
	FinishedAt           *time.Time                   `json:"finished_at,omitempty"`
}

// AnalysisRunner owns the single background analysis behind the web UI.
type AnalysisRunner struct {
	workflow Workflow
	sink     orchestrator.EventSink
	runs     RunStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	snap Snapshot

	log zerolog.Logger
}

// NewAnalysisRunner creates a runner. sink and runs may be nil.
func NewAnalysisRunner(workflow Workflow, sink orchestrator.EventSink, runs RunStore) *AnalysisRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &AnalysisRunner{
		workflow: workflow,
		sink:     sink,
		runs:     runs,
		ctx:      ctx,
		cancel:   cancel,
		snap:     Snapshot{Status: StatusReady},
		log:      log.With().Str("component", "analysis_runner").Logger(),
	}
}

// Start launches a background analysis and returns its session ID.
func (r *AnalysisRunner) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snap.Status == StatusAnalyzing {
		return "", ErrAnalysisRunning
	}
	if r.ctx.Err() != nil {
		return "", r.ctx.Err()
	}

	sessionID := orchestrator.NewSessionID("web")
	now := time.Now().UTC()
	r.snap = Snapshot{Status: StatusAnalyzing, SessionID: sessionID, StartedAt: &now}

	r.wg.Add(1)
	go r.run(sessionID)

	r.log.Info().Str("session_id", sessionID).Msg("Analysis started")
	return sessionID, nil
}

func (r *AnalysisRunner) run(sessionID string) {
	defer r.wg.Done()

	sink := r.sink
	if sink == nil {
		sink = orchestrator.MultiSink{}
	}
	res := r.workflow.RunStream(r.ctx, sessionID, AnalysisMessage, sink)

	finished := time.Now().UTC()
	r.mu.Lock()
	r.snap.Portfolio = res.Portfolio
	r.snap.News = res.News
	r.snap.Opinions = res.Opinions
	r.snap.Decisions = res.Decisions
	r.snap.RiskAssessments = res.RiskAssessments
	r.snap.FinalRecommendations = res.FinalRecommendation
	r.snap.FinishedAt = &finished
	if res.Failed() {
		msg := res.Error
		r.snap.Status = StatusError
		r.snap.Error = &msg
	} else {
		r.snap.Status = StatusCompleted
	}
	r.mu.Unlock()

	event := r.log.Info()
	if res.Failed() {
		event = r.log.Warn().Str("error", res.Error)
	}
	event.Str("session_id", sessionID).
		Dur("duration", res.Duration).
		Int("decisions", len(res.Decisions)).
		Msg("Analysis finished")

	r.persist(res)
}

func (r *AnalysisRunner) persist(res orchestrator.Result) {
	if r.runs == nil {
		return
	}

	run := &db.Run{
		SessionID:      res.SessionID,
		Message:        res.Message,
		Recommendation: res.FinalRecommendation,
		Status:         db.RunStatusCompleted,
		Error:          res.Error,
		Stages:         stageNames(res.Stages),
		DurationMs:     res.Duration.Milliseconds(),
		Decisions:      res.Decisions,
	}
	if res.Failed() {
		run.Status = db.RunStatusError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := r.runs.SaveRun(ctx, run)
	metrics.RecordRunPersisted(err)
	if err != nil {
		r.log.Error().Err(err).Str("session_id", res.SessionID).Msg("Failed to persist run")
	}
}

func stageNames(stages []orchestrator.NodeID) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

// Snapshot returns a copy of the current state with empty collections
// instead of nulls.
func (r *AnalysisRunner) Snapshot() Snapshot {
	r.mu.Lock()
	s := r.snap
	r.mu.Unlock()

	if s.Portfolio == nil {
		s.Portfolio = advisor.Portfolio{}
	}
	if s.News == nil {
		s.News = []advisor.NewsItem{}
	}
	if s.Opinions == nil {
		s.Opinions = []advisor.Opinion{}
	}
	if s.Decisions == nil {
		s.Decisions = []advisor.AggregatedDecision{}
	}
	if s.RiskAssessments == nil {
		s.RiskAssessments = []advisor.RiskAssessment{}
	}
	return s
}

// Status returns the current lifecycle state.
func (r *AnalysisRunner) Status() AnalysisStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Status
}

// Runs returns the configured run store, or nil.
func (r *AnalysisRunner) Runs() RunStore {
	return r.runs
}

// Wait blocks until the in-flight analysis, if any, has finished.
func (r *AnalysisRunner) Wait() {
	r.wg.Wait()
}

// Close cancels any running analysis and waits for it.
func (r *AnalysisRunner) Close() {
	r.cancel()
	r.wg.Wait()
}
