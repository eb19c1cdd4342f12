// Package orchestrator drives the advisory workflow: a small state machine
// that routes a user message through data loading, the persona panel,
// aggregation, risk review and final synthesis.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
	"github.com/ajitpratap0/moexadvisor/internal/llm"
	"github.com/ajitpratap0/moexadvisor/internal/panel"
	"github.com/ajitpratap0/moexadvisor/internal/portfolio"
	"github.com/ajitpratap0/moexadvisor/internal/risk"
	"github.com/ajitpratap0/moexadvisor/pkg/backtest"
)

const (
	// DefaultMaxSteps caps node executions per turn.
	DefaultMaxSteps = 25
	// DefaultBacktestDays is used when the message names no day count.
	DefaultBacktestDays = 7
)

// FeatureSource computes quantitative risk features for a ticker.
type FeatureSource interface {
	RiskFeatures(ctx context.Context, ticker string) (*risk.Features, error)
}

// Backtester replays the panel over recent history.
type Backtester interface {
	Run(ctx context.Context, days int, portfolio advisor.Portfolio, news []advisor.NewsItem) (*backtest.Result, error)
}

// emitFunc stamps and forwards an event for the current turn.
type emitFunc func(ev Event)

type nodeFunc func(ctx context.Context, st State, emit emitFunc) Transition

// Graph runs workflow turns. It is safe for concurrent use by different
// sessions.
type Graph struct {
	completer    llm.Completer
	panel        *panel.Panel
	loader       portfolio.Loader
	features     FeatureSource
	backtester   Backtester
	store        CheckpointStore
	sink         EventSink
	riskParser   RiskParser
	entry        NodeID
	maxSteps     int
	backtestDays int
	nodes        map[NodeID]nodeFunc
	metrics      *WorkflowMetrics
	now          func() time.Time
	log          zerolog.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithFeatureSource sets the market-data collaborator for the risk node.
func WithFeatureSource(fs FeatureSource) Option {
	return func(g *Graph) { g.features = fs }
}

// WithBacktester enables the backtest route.
func WithBacktester(b Backtester) Option {
	return func(g *Graph) { g.backtester = b }
}

// WithCheckpointStore replaces the in-memory checkpoint store.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(g *Graph) {
		if s != nil {
			g.store = s
		}
	}
}

// WithEventSink sets a sink that receives every turn's events, in addition
// to the per-call sink passed to RunStream.
func WithEventSink(s EventSink) Option {
	return func(g *Graph) {
		if s != nil {
			g.sink = s
		}
	}
}

// WithRiskParser replaces the keyword risk parser.
func WithRiskParser(p RiskParser) Option {
	return func(g *Graph) {
		if p != nil {
			g.riskParser = p
		}
	}
}

// WithEntry selects the first node: NodeRouter or NodeDiscussion.
func WithEntry(entry NodeID) Option {
	return func(g *Graph) {
		if entry == NodeRouter || entry == NodeDiscussion {
			g.entry = entry
		}
	}
}

// WithMaxSteps caps node executions per turn.
func WithMaxSteps(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.maxSteps = n
		}
	}
}

// WithBacktestDays sets the default backtest length.
func WithBacktestDays(days int) Option {
	return func(g *Graph) {
		if days >= 1 && days <= backtest.MaxDays {
			g.backtestDays = days
		}
	}
}

// New creates a Graph entering at the router.
func New(completer llm.Completer, p *panel.Panel, loader portfolio.Loader, opts ...Option) *Graph {
	g := &Graph{
		completer:    completer,
		panel:        p,
		loader:       loader,
		store:        NewMemoryCheckpointStore(),
		sink:         discardSink{},
		riskParser:   KeywordRiskParser{},
		entry:        NodeRouter,
		maxSteps:     DefaultMaxSteps,
		backtestDays: DefaultBacktestDays,
		metrics:      getOrCreateWorkflowMetrics(),
		now:          time.Now,
		log:          log.With().Str("component", "workflow").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.nodes = map[NodeID]nodeFunc{
		NodeRouter:     g.routerNode,
		NodeUserData:   g.userDataNode,
		NodeNewsData:   g.newsDataNode,
		NodeDiscussion: g.discussionNode,
		NodeRisk:       g.riskNode,
		NodeFinalizer:  g.finalizerNode,
		NodeFact:       g.factNode,
		NodeOther:      g.otherNode,
		NodeBacktest:   g.backtestNode,
	}
	return g
}

// Entry returns the first node of every turn.
func (g *Graph) Entry() NodeID {
	return g.entry
}

// NewSessionID returns "<prefix>-<8 hex>".
func NewSessionID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Run executes one turn and returns its result. It never fails: every
// error ends the turn with an explanatory message.
func (g *Graph) Run(ctx context.Context, sessionID, message string) Result {
	return g.RunStream(ctx, sessionID, message, nil)
}

// RunStream is Run with progress events delivered to sink (and to the
// graph-level sink) in production order.
func (g *Graph) RunStream(ctx context.Context, sessionID, message string, sink EventSink) Result {
	start := g.now()
	if sessionID == "" {
		sessionID = NewSessionID("session")
	}

	sinks := MultiSink{g.sink}
	if sink != nil {
		sinks = append(sinks, sink)
	}
	emit := func(ev Event) {
		ev.SessionID = sessionID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = g.now()
		}
		sinks.Emit(ctx, ev)
	}

	st := g.loadState(ctx, sessionID)
	st.beginTurn(message)

	logger := g.log.With().Str("session_id", sessionID).Int("turn", st.Turn).Logger()
	logger.Info().Str("entry", string(g.entry)).Msg("Workflow turn started")
	emit(Event{Type: EventStatus, Status: StatusAnalyzing, Message: "Начинаем обработку запроса..."})

	node := g.entry
	for steps := 0; node != NodeEnd; steps++ {
		if steps >= g.maxSteps {
			logger.Error().Int("max_steps", g.maxSteps).Strs("trail", trailStrings(st.Trail)).Msg("Workflow step limit reached")
			tr := failWith(fmt.Sprintf("Превышено допустимое число шагов обработки (%d)", g.maxSteps))
			st.apply(tr.Next, tr.Update)
			g.checkpoint(ctx, st)
			break
		}

		st.Trail = append(st.Trail, node)
		tr := g.step(ctx, node, *st, emit)
		st.apply(tr.Next, tr.Update)
		g.checkpoint(ctx, st)

		logger.Debug().Str("node", string(node)).Str("next", string(tr.Next)).Msg("Workflow step")
		node = tr.Next
	}

	elapsed := g.now().Sub(start)
	g.metrics.RunDuration.Observe(elapsed.Seconds())

	if st.Error != "" {
		g.metrics.RunsTotal.WithLabelValues("error").Inc()
		emit(Event{Type: EventError, Status: StatusError, Message: st.Error})
		logger.Warn().Str("error", st.Error).Dur("duration", elapsed).Msg("Workflow turn ended with error")
	} else {
		g.metrics.RunsTotal.WithLabelValues("completed").Inc()
		emit(Event{Type: EventStatus, Status: StatusCompleted, Message: "Анализ завершен"})
		logger.Info().Strs("trail", trailStrings(st.Trail)).Dur("duration", elapsed).Msg("Workflow turn completed")
	}

	return resultFrom(st, elapsed)
}

// step runs one node. A panic inside a node ends the turn with that node's
// error message.
func (g *Graph) step(ctx context.Context, node NodeID, st State, emit emitFunc) (tr Transition) {
	fn, ok := g.nodes[node]
	if !ok {
		return failWith(fmt.Sprintf("Неизвестный этап обработки: %s", node))
	}

	start := time.Now()
	defer func() {
		g.metrics.NodeDuration.WithLabelValues(string(node)).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			g.log.Error().
				Str("node", string(node)).
				Interface("panic", r).
				Msg("Workflow node panicked")
			tr = failWith(fmt.Sprintf("%s: %v", nodeErrorPrefix(node), r))
		}
	}()

	return fn(ctx, st, emit)
}

func nodeErrorPrefix(node NodeID) string {
	switch node {
	case NodeUserData:
		return "Ошибка загрузки портфеля"
	case NodeNewsData:
		return "Ошибка загрузки новостей"
	case NodeDiscussion:
		return "Ошибка в обсуждении агентов"
	case NodeRisk:
		return "Ошибка в оценке рисков"
	case NodeFinalizer:
		return "Ошибка формирования рекомендаций"
	case NodeBacktest:
		return "Ошибка бэктеста"
	default:
		return "Ошибка обработки запроса"
	}
}

// loadState resumes a session or starts a fresh one. Store failures are
// logged and treated as a new session.
func (g *Graph) loadState(ctx context.Context, sessionID string) *State {
	st, err := g.store.Load(ctx, sessionID)
	if err == nil {
		st.SessionID = sessionID
		return st
	}
	if !errors.Is(err, ErrNoCheckpoint) {
		g.metrics.CheckpointErrors.Inc()
		g.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to load checkpoint, starting fresh")
	}
	return NewState(sessionID)
}

func (g *Graph) checkpoint(ctx context.Context, st *State) {
	st.UpdatedAt = g.now()
	if err := g.store.Save(ctx, st); err != nil {
		g.metrics.CheckpointErrors.Inc()
		g.log.Warn().Err(err).Str("session_id", st.SessionID).Str("stage", string(st.Stage)).Msg("Failed to save checkpoint")
	}
}

// State returns the last checkpoint of a session.
func (g *Graph) State(ctx context.Context, sessionID string) (*State, error) {
	return g.store.Load(ctx, sessionID)
}

// Reset forgets a session.
func (g *Graph) Reset(ctx context.Context, sessionID string) error {
	return g.store.Delete(ctx, sessionID)
}

func trailStrings(trail []NodeID) []string {
	out := make([]string, len(trail))
	for i, n := range trail {
		out[i] = string(n)
	}
	return out
}
