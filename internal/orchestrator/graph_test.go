package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
	"github.com/ajitpratap0/moexadvisor/internal/panel"
	"github.com/ajitpratap0/moexadvisor/internal/risk"
	"github.com/ajitpratap0/moexadvisor/pkg/backtest"
)

type llmCall struct {
	prompt      string
	temperature float64
	maxTokens   int
}

// scriptedLLM answers by prompt kind and records every call.
type scriptedLLM struct {
	mu      sync.Mutex
	calls   []llmCall
	respond func(prompt string) (string, error)
}

func (s *scriptedLLM) Complete(_ context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, llmCall{prompt: prompt, temperature: temperature, maxTokens: maxTokens})
	s.mu.Unlock()
	return s.respond(prompt)
}

func (s *scriptedLLM) callsMatching(substr string) []llmCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []llmCall
	for _, c := range s.calls {
		if strings.Contains(c.prompt, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (s *scriptedLLM) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

const (
	riskAnswer  = "Уровень риска: 7\nРиск ликвидности высокий\nОпасность санкций\nУгроза волатильности"
	finalAnswer = "Итог: держать SBER, докупить GAZP"
)

// defaultResponder routes to analysis; Alpha buys with 8, Beta sells with 6.
func defaultResponder(route string) func(string) (string, error) {
	return func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "маршрутизатор"):
			return route, nil
		case strings.HasPrefix(prompt, "PERSONA Alpha"):
			return "ДЕЙСТВИЕ: КУПИТЬ\nУВЕРЕННОСТЬ: 8\nОБОСНОВАНИЕ: сильный баланс", nil
		case strings.HasPrefix(prompt, "PERSONA Beta"):
			return "ДЕЙСТВИЕ: ПРОДАТЬ\nУВЕРЕННОСТЬ: 6\nОБОСНОВАНИЕ: дорого", nil
		case strings.Contains(prompt, "[QUANT_RISK_CONTEXT]"):
			return riskAnswer, nil
		case strings.Contains(prompt, "АНАЛИЗ ПОРТФЕЛЯ"):
			return finalAnswer, nil
		case strings.Contains(prompt, "Вопрос: "):
			return "Индекс МосБиржи включает 40+ эмитентов.", nil
		case strings.Contains(prompt, "Сообщение: "):
			return "Привет! Я умею анализировать портфель.", nil
		}
		return "", errors.New("unexpected prompt")
	}
}

type fakeLoader struct {
	mu             sync.Mutex
	portfolio      advisor.Portfolio
	news           []advisor.NewsItem
	portfolioErr   error
	newsErr        error
	portfolioLoads int
	newsLoads      int
}

func (f *fakeLoader) LoadPortfolio(context.Context) (advisor.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfolioLoads++
	return f.portfolio, f.portfolioErr
}

func (f *fakeLoader) LoadNews(context.Context) ([]advisor.NewsItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newsLoads++
	return f.news, f.newsErr
}

func newLoader() *fakeLoader {
	return &fakeLoader{
		portfolio: advisor.Portfolio{"SBER": {Quantity: 100, AvgPrice: 250.5}},
		news: []advisor.NewsItem{
			{Ticker: "SBER", Title: "Сбербанк отчитался", Summary: "Прибыль выросла"},
			{Ticker: "GAZP", Title: "Газпром", Summary: "Экспорт снизился"},
		},
	}
}

type fakeFeatures struct {
	err error
}

func (f fakeFeatures) RiskFeatures(_ context.Context, _ string) (*risk.Features, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &risk.Features{TrendStrength: 0.7, ResidVol: 0.01, Regime: risk.RegimeTrend, Notes: "trend=0.70"}, nil
}

var testPersonas = []panel.Persona{
	{Name: "Alpha", Prompt: "PERSONA Alpha"},
	{Name: "Beta", Prompt: "PERSONA Beta"},
}

func newTestGraph(llm *scriptedLLM, loader *fakeLoader, opts ...Option) *Graph {
	p := panel.New(llm, panel.WithPersonas(testPersonas))
	opts = append([]Option{WithFeatureSource(fakeFeatures{})}, opts...)
	return New(llm, p, loader, opts...)
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRun_FullAnalysis(t *testing.T) {
	llm := &scriptedLLM{respond: defaultResponder("analysis")}
	loader := newLoader()
	g := newTestGraph(llm, loader)
	rec := &Recorder{}

	res := g.RunStream(context.Background(), "s1", "Проанализируй мой портфель", rec)

	assert.Empty(t, res.Error)
	assert.False(t, res.Failed())
	assert.Equal(t, finalAnswer, res.Message)
	assert.Equal(t, finalAnswer, res.FinalRecommendation)
	assert.Equal(t, []NodeID{
		NodeRouter, NodeDiscussion, NodeUserData, NodeDiscussion, NodeNewsData,
		NodeDiscussion, NodeRisk, NodeFinalizer,
	}, res.Stages)

	// Tickers sorted, personas in registry order.
	require.Len(t, res.Opinions, 4)
	assert.Equal(t, "GAZP", res.Opinions[0].Ticker)
	assert.Equal(t, "Alpha", res.Opinions[0].PersonaName)
	assert.Equal(t, "Beta", res.Opinions[1].PersonaName)
	assert.Equal(t, "SBER", res.Opinions[2].Ticker)

	require.Len(t, res.Decisions, 2)
	for _, d := range res.Decisions {
		assert.Equal(t, advisor.ActionBuy, d.FinalAction)
		assert.InDelta(t, 7.0, d.ConfidenceScore, 1e-9)
		assert.InDelta(t, 8.0/14.0, d.ConsensusStrength, 1e-9)
	}

	require.Len(t, res.RiskAssessments, 2)
	ra := res.RiskAssessments[0]
	assert.Equal(t, "GAZP", ra.Ticker)
	assert.Equal(t, 7, ra.RiskLevel)
	assert.Equal(t, []string{"Уровень риска: 7", "Риск ликвидности высокий", "Опасность санкций"}, ra.RiskFactors)
	assert.Equal(t, riskAnswer, ra.Recommendation)
	assert.False(t, ra.Degraded)

	router := llm.callsMatching("маршрутизатор")
	require.Len(t, router, 1)
	assert.Equal(t, RouterTemperature, router[0].temperature)
	assert.Equal(t, RouterMaxTokens, router[0].maxTokens)

	riskCalls := llm.callsMatching("[QUANT_RISK_CONTEXT]")
	require.Len(t, riskCalls, 2)
	assert.Contains(t, riskCalls[0].prompt, `"regime":"trend"`)
	assert.Contains(t, riskCalls[0].prompt, "Тикер: GAZP")
	assert.Contains(t, riskCalls[0].prompt, "- Alpha: BUY (уверенность: 8)")
	assert.Equal(t, RiskTemperature, riskCalls[0].temperature)
	assert.Equal(t, RiskMaxTokens, riskCalls[0].maxTokens)

	final := llm.callsMatching("АНАЛИЗ ПОРТФЕЛЯ")
	require.Len(t, final, 1)
	assert.Contains(t, final[0].prompt, "- SBER: 100 акций, средняя цена: 250.5 руб.")
	assert.Contains(t, final[0].prompt, "- GAZP: уровень риска 7/10")
	assert.Equal(t, FinalizerMaxTokens, final[0].maxTokens)

	assert.Equal(t, 1, loader.portfolioLoads)
	assert.Equal(t, 1, loader.newsLoads)

	// Opinions, then decisions, then risk assessments, then the final text.
	events := rec.Events()
	types := eventTypes(events)
	assert.Equal(t, EventStatus, types[0])
	assert.Equal(t, StatusCompleted, events[len(events)-1].Status)

	lastOfType := func(tp EventType) int {
		idx := -1
		for i, x := range types {
			if x == tp {
				idx = i
			}
		}
		return idx
	}
	firstOfType := func(tp EventType) int {
		for i, x := range types {
			if x == tp {
				return i
			}
		}
		return -1
	}
	assert.Less(t, lastOfType(EventOpinion), firstOfType(EventDecision))
	assert.Less(t, lastOfType(EventDecision), firstOfType(EventRiskAssessment))
	assert.Less(t, lastOfType(EventRiskAssessment), firstOfType(EventFinal))
	for _, ev := range events {
		assert.Equal(t, "s1", ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestRun_EmptyMessageMakesNoCalls(t *testing.T) {
	llm := &scriptedLLM{respond: defaultResponder("analysis")}
	g := newTestGraph(llm, newLoader())

	res := g.Run(context.Background(), "s", "   ")

	assert.Equal(t, EmptyRequestMessage, res.Message)
	assert.Equal(t, []NodeID{NodeRouter}, res.Stages)
	assert.Equal(t, 0, llm.count())
}

func TestRun_RouterFailureFallsBackToOther(t *testing.T) {
	base := defaultResponder("analysis")
	llm := &scriptedLLM{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "маршрутизатор") {
			return "", errors.New("provider down")
		}
		return base(prompt)
	}}
	g := newTestGraph(llm, newLoader())

	res := g.Run(context.Background(), "s", "Как дела?")

	assert.Equal(t, []NodeID{NodeRouter, NodeOther}, res.Stages)
	assert.Equal(t, "Привет! Я умею анализировать портфель.", res.Message)
	assert.Empty(t, res.Error)
}

func TestRun_RouterAndOtherFailing(t *testing.T) {
	llm := &scriptedLLM{respond: func(string) (string, error) { return "", errors.New("provider down") }}
	g := newTestGraph(llm, newLoader())

	res := g.Run(context.Background(), "s", "Как дела?")

	assert.Equal(t, []NodeID{NodeRouter, NodeOther}, res.Stages)
	assert.Contains(t, res.Message, "Не удалось получить ответ")
	assert.True(t, res.Failed())
}

func TestRun_Routes(t *testing.T) {
	tests := []struct {
		route   string
		stages  []NodeID
		message string
	}{
		{"fact", []NodeID{NodeRouter, NodeFact}, "Индекс МосБиржи включает 40+ эмитентов."},
		{"other", []NodeID{NodeRouter, NodeOther}, "Привет! Я умею анализировать портфель."},
		{"что-то непонятное", []NodeID{NodeRouter, NodeOther}, "Привет! Я умею анализировать портфель."},
	}

	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			llm := &scriptedLLM{respond: defaultResponder(tt.route)}
			res := newTestGraph(llm, newLoader()).Run(context.Background(), "s", "вопрос")
			assert.Equal(t, tt.stages, res.Stages)
			assert.Equal(t, tt.message, res.Message)
		})
	}
}

func TestRun_PersonaFailureDegradesOnlyThatPair(t *testing.T) {
	base := defaultResponder("analysis")
	llm := &scriptedLLM{respond: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "PERSONA Alpha") && strings.Contains(prompt, "Анализируй акцию SBER") {
			return "", errors.New("timeout")
		}
		return base(prompt)
	}}
	g := newTestGraph(llm, newLoader(), WithEntry(NodeDiscussion))

	res := g.Run(context.Background(), "s", "")

	require.Len(t, res.Opinions, 4)
	failed := res.Opinions[2]
	assert.Equal(t, "SBER", failed.Ticker)
	assert.Equal(t, advisor.ActionHold, failed.Action)
	assert.Equal(t, 1, failed.Confidence)
	assert.True(t, failed.Degraded)
	assert.Contains(t, failed.Reasoning, "timeout")

	assert.Equal(t, advisor.ActionBuy, res.Opinions[0].Action)
	assert.Equal(t, advisor.ActionSell, res.Opinions[3].Action)
	assert.Equal(t, finalAnswer, res.Message)
}

func TestRun_RiskFailureDegradesAndContinues(t *testing.T) {
	base := defaultResponder("analysis")
	llm := &scriptedLLM{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "[QUANT_RISK_CONTEXT]") && strings.Contains(prompt, "Тикер: GAZP") {
			return "", errors.New("quota exceeded")
		}
		return base(prompt)
	}}
	g := newTestGraph(llm, newLoader(), WithEntry(NodeDiscussion))

	res := g.Run(context.Background(), "s", "")

	require.Len(t, res.RiskAssessments, 2)
	assert.Equal(t, advisor.RiskAssessment{
		Ticker:         "GAZP",
		RiskLevel:      5,
		RiskFactors:    []string{"Ошибка анализа"},
		Recommendation: "Требуется дополнительный анализ",
		Degraded:       true,
	}, res.RiskAssessments[0])
	assert.Equal(t, 7, res.RiskAssessments[1].RiskLevel)
	assert.Equal(t, finalAnswer, res.Message)
}

func TestRun_FeatureErrorIsEmbedded(t *testing.T) {
	llm := &scriptedLLM{respond: defaultResponder("analysis")}
	g := newTestGraph(llm, newLoader(), WithEntry(NodeDiscussion), WithFeatureSource(fakeFeatures{err: errors.New("no price history")}))

	res := g.Run(context.Background(), "s", "")

	assert.Empty(t, res.Error)
	riskCalls := llm.callsMatching("[QUANT_RISK_CONTEXT]")
	require.Len(t, riskCalls, 2)
	assert.Contains(t, riskCalls[0].prompt, `{"error":"no price history"}`)
}

func TestRun_LoaderFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*fakeLoader)
		stages  []NodeID
		message string
	}{
		{
			name:    "portfolio error",
			mutate:  func(l *fakeLoader) { l.portfolioErr = errors.New("file not found") },
			stages:  []NodeID{NodeDiscussion, NodeUserData},
			message: "Ошибка загрузки портфеля: file not found",
		},
		{
			name:    "empty portfolio",
			mutate:  func(l *fakeLoader) { l.portfolio = advisor.Portfolio{} },
			stages:  []NodeID{NodeDiscussion, NodeUserData},
			message: "Ошибка загрузки портфеля: портфель пуст",
		},
		{
			name:    "news error",
			mutate:  func(l *fakeLoader) { l.newsErr = errors.New("bad json") },
			stages:  []NodeID{NodeDiscussion, NodeUserData, NodeDiscussion, NodeNewsData},
			message: "Ошибка загрузки новостей: bad json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &scriptedLLM{respond: defaultResponder("analysis")}
			loader := newLoader()
			tt.mutate(loader)
			rec := &Recorder{}

			res := newTestGraph(llm, loader, WithEntry(NodeDiscussion)).RunStream(context.Background(), "s", "", rec)

			assert.Equal(t, tt.stages, res.Stages)
			assert.Equal(t, tt.message, res.Message)
			assert.Equal(t, tt.message, res.Error)
			assert.Empty(t, res.Opinions)
			assert.Equal(t, 0, llm.count())

			events := rec.Events()
			last := events[len(events)-1]
			assert.Equal(t, EventError, last.Type)
			assert.Equal(t, StatusError, last.Status)
		})
	}
}

func TestRun_FinalizerFailure(t *testing.T) {
	base := defaultResponder("analysis")
	llm := &scriptedLLM{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "АНАЛИЗ ПОРТФЕЛЯ") {
			return "", errors.New("502 bad gateway")
		}
		return base(prompt)
	}}

	res := newTestGraph(llm, newLoader(), WithEntry(NodeDiscussion)).Run(context.Background(), "s", "")

	assert.Equal(t, "Ошибка формирования рекомендаций: 502 bad gateway", res.Message)
	assert.Empty(t, res.FinalRecommendation)
	assert.Len(t, res.RiskAssessments, 2)
	assert.Equal(t, NodeFinalizer, res.Stages[len(res.Stages)-1])
}

func TestRun_NodePanicIsContained(t *testing.T) {
	base := defaultResponder("analysis")
	llm := &scriptedLLM{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "АНАЛИЗ ПОРТФЕЛЯ") {
			panic("nil map")
		}
		return base(prompt)
	}}

	res := newTestGraph(llm, newLoader(), WithEntry(NodeDiscussion)).Run(context.Background(), "s", "")

	assert.Equal(t, "Ошибка формирования рекомендаций: nil map", res.Message)
	assert.True(t, res.Failed())
}

func TestRun_StepLimit(t *testing.T) {
	llm := &scriptedLLM{respond: defaultResponder("analysis")}
	g := newTestGraph(llm, newLoader(), WithEntry(NodeDiscussion), WithMaxSteps(2))

	res := g.Run(context.Background(), "s", "")

	assert.Equal(t, []NodeID{NodeDiscussion, NodeUserData}, res.Stages)
	assert.Contains(t, res.Error, "Превышено допустимое число шагов")
	assert.Equal(t, res.Error, res.Message)
}

func TestRun_ResumesLoadedDataAcrossTurns(t *testing.T) {
	llm := &scriptedLLM{respond: defaultResponder("analysis")}
	loader := newLoader()
	g := newTestGraph(llm, loader)

	first := g.Run(context.Background(), "resume", "Проанализируй портфель")
	require.Empty(t, first.Error)

	second := g.Run(context.Background(), "resume", "А теперь ещё раз")
	require.Empty(t, second.Error)

	assert.Equal(t, []NodeID{NodeRouter, NodeDiscussion, NodeRisk, NodeFinalizer}, second.Stages)
	assert.Equal(t, 1, loader.portfolioLoads)
	assert.Equal(t, 1, loader.newsLoads)
	assert.Len(t, second.Opinions, 4, "outputs are recomputed, not accumulated")

	st, err := g.State(context.Background(), "resume")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Turn)
	assert.Equal(t, NodeEnd, st.Stage)
	assert.Equal(t, "А теперь ещё раз", st.MessageFromUser)

	require.NoError(t, g.Reset(context.Background(), "resume"))
	_, err = g.State(context.Background(), "resume")
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	// Other sessions never see this session's data.
	other := g.Run(context.Background(), "other-session", "Проанализируй портфель")
	assert.Contains(t, other.Stages, NodeUserData)
}

type fakeBacktester struct {
	days int
}

func (f *fakeBacktester) Run(_ context.Context, days int, _ advisor.Portfolio, _ []advisor.NewsItem) (*backtest.Result, error) {
	f.days = days
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return &backtest.Result{
		StartDate:             start,
		EndDate:               start.AddDate(0, 0, days),
		Days:                  days,
		InitialPortfolioValue: 1000,
		FinalPortfolioValue:   1100,
		TotalPnL:              100,
		TotalReturnPct:        10,
	}, nil
}

func TestRun_Backtest(t *testing.T) {
	llm := &scriptedLLM{respond: defaultResponder("backtest")}
	bt := &fakeBacktester{}
	loader := newLoader()
	g := newTestGraph(llm, loader, WithBacktester(bt), WithBacktestDays(5))

	res := g.Run(context.Background(), "s", "Сделай бэктест за 10 дней")
	assert.Equal(t, []NodeID{NodeRouter, NodeBacktest}, res.Stages)
	assert.Equal(t, 10, bt.days)
	assert.Contains(t, res.Message, "Бэктест с 2025-03-01 по 2025-03-11 (10 дн.)")
	assert.Equal(t, 1, loader.portfolioLoads)
	assert.NotEmpty(t, res.Portfolio)

	res = g.Run(context.Background(), "s2", "бэктест")
	assert.Equal(t, 5, bt.days)
	assert.Empty(t, res.Error)

	noEngine := newTestGraph(&scriptedLLM{respond: defaultResponder("backtest")}, newLoader())
	res = noEngine.Run(context.Background(), "s", "бэктест")
	assert.Contains(t, res.Message, "Бэктест недоступен")
}

func TestBacktestDaysFrom(t *testing.T) {
	assert.Equal(t, 10, backtestDaysFrom("бэктест за 10 дней", 7))
	assert.Equal(t, 7, backtestDaysFrom("бэктест за 90 дней", 7))
	assert.Equal(t, 3, backtestDaysFrom("за 2024 год, 3 дня", 7))
	assert.Equal(t, 7, backtestDaysFrom("бэктест", 7))
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID("cli-session")
	assert.Regexp(t, `^cli-session-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewSessionID("cli-session"))
	assert.Len(t, NewSessionID(""), 8)
}
