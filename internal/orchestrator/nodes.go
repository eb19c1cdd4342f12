package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
	"github.com/ajitpratap0/moexadvisor/pkg/backtest"
)

func (g *Graph) routerNode(ctx context.Context, st State, _ emitFunc) Transition {
	message := strings.TrimSpace(st.MessageFromUser)
	if message == "" {
		return endWith(EmptyRequestMessage)
	}

	response, err := g.completer.Complete(ctx, BuildRouterPrompt(message), RouterTemperature, RouterMaxTokens)
	if err != nil {
		g.metrics.DegradedTotal.WithLabelValues("router").Inc()
		g.log.Warn().Err(err).Msg("Router classification failed, falling back to general reply")
		degraded := RouterDegradedMessage
		return Transition{Next: NodeOther, Update: Update{MessageToUser: &degraded}}
	}

	route := ParseRoute(response)
	g.log.Debug().Str("route", string(route)).Str("raw", response).Msg("Request routed")

	switch route {
	case RouteAnalysis:
		return goTo(NodeDiscussion)
	case RouteFact:
		return goTo(NodeFact)
	case RouteBacktest:
		return goTo(NodeBacktest)
	default:
		return goTo(NodeOther)
	}
}

func (g *Graph) userDataNode(ctx context.Context, _ State, emit emitFunc) Transition {
	emit(Event{Type: EventStatus, Status: StatusLoadingData, Message: "Загружаем данные портфеля..."})

	p, err := g.loader.LoadPortfolio(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("Failed to load portfolio")
		return failWith(fmt.Sprintf("Ошибка загрузки портфеля: %v", err))
	}
	if len(p) == 0 {
		return failWith("Ошибка загрузки портфеля: портфель пуст")
	}

	g.log.Info().Int("positions", len(p)).Msg("Portfolio loaded")
	return Transition{Next: NodeDiscussion, Update: Update{Portfolio: p}}
}

func (g *Graph) newsDataNode(ctx context.Context, _ State, emit emitFunc) Transition {
	emit(Event{Type: EventStatus, Status: StatusLoadingData, Message: "Загружаем новости..."})

	news, err := g.loader.LoadNews(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("Failed to load news")
		return failWith(fmt.Sprintf("Ошибка загрузки новостей: %v", err))
	}
	if len(news) == 0 {
		return failWith("Ошибка загрузки новостей: лента новостей пуста")
	}

	g.log.Info().Int("items", len(news)).Msg("News loaded")
	return Transition{Next: NodeDiscussion, Update: Update{News: news}}
}

func (g *Graph) discussionNode(ctx context.Context, st State, emit emitFunc) Transition {
	if len(st.Portfolio) == 0 {
		return goTo(NodeUserData)
	}
	if len(st.News) == 0 {
		return goTo(NodeNewsData)
	}

	emit(Event{Type: EventStatus, Status: StatusDiscussing, Message: "Агенты начинают обсуждение..."})

	opinions := g.panel.DiscussStream(ctx, st.Portfolio, st.News, func(op advisor.Opinion) {
		if op.Degraded {
			g.metrics.DegradedTotal.WithLabelValues("opinion").Inc()
		}
		emit(Event{Type: EventOpinion, Data: op})
	})
	if err := ctx.Err(); err != nil {
		return failWith(fmt.Sprintf("Ошибка в обсуждении агентов: %v", err))
	}

	emit(Event{Type: EventStatus, Status: StatusAggregating, Message: "Агрегируем решения агентов..."})

	decisions := advisor.Aggregate(opinions)
	if decisions == nil {
		decisions = []advisor.AggregatedDecision{}
	}
	for _, d := range decisions {
		g.metrics.DecisionsTotal.WithLabelValues(string(d.FinalAction)).Inc()
		g.metrics.ConsensusScore.Observe(d.ConsensusStrength)
		g.log.Info().
			Str("ticker", d.Ticker).
			Str("action", string(d.FinalAction)).
			Float64("confidence", d.ConfidenceScore).
			Float64("consensus", d.ConsensusStrength).
			Msg("Aggregated decision")
		emit(Event{Type: EventDecision, Data: d})
	}

	if opinions == nil {
		opinions = []advisor.Opinion{}
	}
	return Transition{Next: NodeRisk, Update: Update{Opinions: opinions, Decisions: decisions}}
}

func (g *Graph) riskNode(ctx context.Context, st State, emit emitFunc) Transition {
	emit(Event{Type: EventStatus, Status: StatusRisk, Message: "Оцениваем риски..."})

	assessments := make([]advisor.RiskAssessment, 0, len(st.Decisions))
	for _, d := range st.Decisions {
		prompt := BuildRiskPrompt(g.quantContext(ctx, d.Ticker), d)

		var ra advisor.RiskAssessment
		response, err := g.completer.Complete(ctx, prompt, RiskTemperature, RiskMaxTokens)
		if err != nil {
			g.metrics.DegradedTotal.WithLabelValues("risk").Inc()
			g.log.Warn().Err(err).Str("ticker", d.Ticker).Msg("Risk assessment failed, using default")
			ra = degradedRiskAssessment(d.Ticker)
		} else {
			parsed := g.riskParser.Parse(response)
			ra = advisor.RiskAssessment{
				Ticker:         d.Ticker,
				RiskLevel:      parsed.Level,
				RiskFactors:    parsed.Factors,
				Recommendation: response,
				Degraded:       parsed.Degraded,
			}
		}

		g.log.Info().Str("ticker", ra.Ticker).Int("risk_level", ra.RiskLevel).Bool("degraded", ra.Degraded).Msg("Risk assessed")
		assessments = append(assessments, ra)
		emit(Event{Type: EventRiskAssessment, Data: ra})
	}

	return Transition{Next: NodeFinalizer, Update: Update{RiskAssessments: assessments}}
}

// quantContext renders the ticker's risk features as JSON. When they
// cannot be computed the error is embedded instead so the review still
// runs on qualitative input.
func (g *Graph) quantContext(ctx context.Context, ticker string) string {
	if g.features == nil {
		return errorJSON("market data source is not configured")
	}

	features, err := g.features.RiskFeatures(ctx, ticker)
	if err != nil {
		g.log.Warn().Err(err).Str("ticker", ticker).Msg("Risk features unavailable")
		return errorJSON(err.Error())
	}

	data, err := json.Marshal(features)
	if err != nil {
		return errorJSON(err.Error())
	}
	return string(data)
}

func errorJSON(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

func (g *Graph) finalizerNode(ctx context.Context, st State, emit emitFunc) Transition {
	emit(Event{Type: EventStatus, Status: StatusFinalizing, Message: "Формируем итоговые рекомендации..."})

	prompt := BuildFinalizerPrompt(st.Portfolio, st.Decisions, st.RiskAssessments)
	recommendation, err := g.completer.Complete(ctx, prompt, FinalizerTemperature, FinalizerMaxTokens)
	if err != nil {
		g.log.Error().Err(err).Msg("Final synthesis failed")
		return failWith(fmt.Sprintf("Ошибка формирования рекомендаций: %v", err))
	}

	emit(Event{Type: EventFinal, Data: map[string]string{"recommendations": recommendation}})
	return Transition{
		Next: NodeEnd,
		Update: Update{
			FinalRecommendation: &recommendation,
			MessageToUser:       &recommendation,
		},
	}
}

func (g *Graph) factNode(ctx context.Context, st State, _ emitFunc) Transition {
	answer, err := g.completer.Complete(ctx, BuildFactPrompt(st.MessageFromUser), FactTemperature, FactMaxTokens)
	if err != nil {
		g.log.Error().Err(err).Msg("Fact answer failed")
		return failWith(fmt.Sprintf("Не удалось получить ответ: %v", err))
	}
	return endWith(answer)
}

func (g *Graph) otherNode(ctx context.Context, st State, _ emitFunc) Transition {
	answer, err := g.completer.Complete(ctx, BuildOtherPrompt(st.MessageFromUser), OtherTemperature, OtherMaxTokens)
	if err != nil {
		g.log.Error().Err(err).Msg("General reply failed")
		return failWith(fmt.Sprintf("Не удалось получить ответ: %v", err))
	}
	return endWith(answer)
}

var dayCountPattern = regexp.MustCompile(`\d+`)

// backtestDaysFrom returns the first number in [1, backtest.MaxDays] found
// in message, or def.
func backtestDaysFrom(message string, def int) int {
	for _, m := range dayCountPattern.FindAllString(message, -1) {
		if n, err := strconv.Atoi(m); err == nil && n >= 1 && n <= backtest.MaxDays {
			return n
		}
	}
	return def
}

func (g *Graph) backtestNode(ctx context.Context, st State, emit emitFunc) Transition {
	if g.backtester == nil {
		return endWith("Бэктест недоступен: движок бэктеста не настроен.")
	}

	var update Update
	p := st.Portfolio
	if len(p) == 0 {
		emit(Event{Type: EventStatus, Status: StatusLoadingData, Message: "Загружаем данные портфеля..."})
		loaded, err := g.loader.LoadPortfolio(ctx)
		if err != nil {
			return failWith(fmt.Sprintf("Ошибка загрузки портфеля: %v", err))
		}
		p, update.Portfolio = loaded, loaded
	}
	news := st.News
	if len(news) == 0 {
		loaded, err := g.loader.LoadNews(ctx)
		if err != nil {
			return failWith(fmt.Sprintf("Ошибка загрузки новостей: %v", err))
		}
		news, update.News = loaded, loaded
	}

	days := backtestDaysFrom(st.MessageFromUser, g.backtestDays)
	emit(Event{Type: EventStatus, Status: StatusAnalyzing, Message: fmt.Sprintf("Запускаем бэктест за %d дн...", days)})

	result, err := g.backtester.Run(ctx, days, p, news)
	if err != nil {
		g.log.Error().Err(err).Int("days", days).Msg("Backtest failed")
		msg := fmt.Sprintf("Ошибка бэктеста: %v", err)
		update.MessageToUser, update.Error = &msg, &msg
		return Transition{Next: NodeEnd, Update: update}
	}

	summary := result.Summary()
	update.MessageToUser = &summary
	return Transition{Next: NodeEnd, Update: update}
}
