package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

// Completion budgets per node.
const (
	RouterTemperature    = 0.0
	RouterMaxTokens      = 16
	FactTemperature      = 0.3
	FactMaxTokens        = 1000
	OtherTemperature     = 0.7
	OtherMaxTokens       = 500
	RiskTemperature      = 0.3
	RiskMaxTokens        = 500
	FinalizerTemperature = 0.5
	FinalizerMaxTokens   = 2000
)

// User-facing messages.
const (
	EmptyRequestMessage   = "Пустой запрос. Напишите, что нужно сделать, например: «Проанализируй мой портфель»."
	RouterDegradedMessage = "Не удалось определить тип запроса, отвечаю в общем режиме."
)

const routerPrompt = `Ты маршрутизатор запросов инвестиционного ассистента по акциям Московской биржи.
Определи тип запроса пользователя и ответь ровно одним словом:
analysis - анализ портфеля, рекомендации по акциям, оценка рисков;
fact - фактический вопрос о рынке, компании, термине или показателе;
backtest - проверка стратегии на исторических данных (бэктест);
other - всё остальное.

Запрос: `

const factPrompt = `Ты финансовый аналитик, специализирующийся на российском фондовом рынке.
Ответь на вопрос пользователя кратко и по существу. Если точных данных нет, прямо скажи об этом
и не придумывай цифры.

Вопрос: `

const otherPrompt = `Ты дружелюбный инвестиционный ассистент. Пользователь написал сообщение, не связанное
напрямую с анализом портфеля. Ответь вежливо и кратко, а затем напомни, что ты умеешь анализировать
портфель акций Московской биржи, отвечать на вопросы о рынке и проводить бэктест.

Сообщение: `

// RiskManagerPrompt frames the per-ticker risk review.
const RiskManagerPrompt = `Ты опытный риск-менеджер инвестиционного фонда, работающего на Московской бирже.
Твоя задача: оценить риски рекомендации по акции с учетом мнений аналитиков и количественных
метрик из блока [QUANT_RISK_CONTEXT] (волатильность, просадки, бета к индексу IMOEX, режим рынка).

Ответ дай в формате:
УРОВЕНЬ РИСКА: [1-10]
ФАКТОРЫ РИСКА: [основные риски, каждый с новой строки]
РЕКОМЕНДАЦИИ: [как ограничить риск: размер позиции, стоп-лосс, хеджирование]`

// PortfolioManagerPrompt frames the final synthesis.
const PortfolioManagerPrompt = `Ты портфельный управляющий. На основе рекомендаций аналитиков и оценки рисков
сформируй итоговый план действий по портфелю клиента: что купить, что продать, что держать,
в каком объеме и почему. Учитывай уровень риска каждой позиции и диверсификацию.
Пиши структурированно и по-русски.`

// Route is the router's classification of a user message.
type Route string

const (
	RouteAnalysis Route = "analysis"
	RouteFact     Route = "fact"
	RouteBacktest Route = "backtest"
	RouteOther    Route = "other"
)

var routeKeywords = []struct {
	route    Route
	keywords []string
}{
	{RouteBacktest, []string{"backtest", "бэктест"}},
	{RouteAnalysis, []string{"analysis", "анализ"}},
	{RouteFact, []string{"fact", "факт"}},
	{RouteOther, []string{"other", "друго"}},
}

// ParseRoute maps a router completion to a Route. Unrecognized answers are
// RouteOther.
func ParseRoute(response string) Route {
	lower := strings.ToLower(strings.TrimSpace(response))
	for _, rk := range routeKeywords {
		for _, kw := range rk.keywords {
			if strings.Contains(lower, kw) {
				return rk.route
			}
		}
	}
	return RouteOther
}

// BuildRouterPrompt asks for a one-word classification of message.
func BuildRouterPrompt(message string) string {
	return routerPrompt + message
}

// BuildFactPrompt asks for a factual answer.
func BuildFactPrompt(message string) string {
	return factPrompt + message
}

// BuildOtherPrompt asks for a general reply.
func BuildOtherPrompt(message string) string {
	return otherPrompt + message
}

// BuildRiskContext describes one aggregated decision and the opinions
// behind it.
func BuildRiskContext(d advisor.AggregatedDecision) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Тикер: %s\n", d.Ticker))
	sb.WriteString(fmt.Sprintf("Рекомендуемое действие: %s\n", d.FinalAction))
	sb.WriteString(fmt.Sprintf("Уровень уверенности: %s\n", formatFloat(d.ConfidenceScore)))
	sb.WriteString(fmt.Sprintf("Сила консенсуса: %s\n\n", formatFloat(d.ConsensusStrength)))
	sb.WriteString("Мнения агентов:\n")
	for _, op := range d.Opinions {
		sb.WriteString(fmt.Sprintf("- %s: %s (уверенность: %d)\n", op.PersonaName, op.Action, op.Confidence))
		sb.WriteString(fmt.Sprintf("  Обоснование: %s\n", op.Reasoning))
	}
	return sb.String()
}

// BuildRiskPrompt combines the risk manager prompt, the quantitative
// features JSON and the qualitative context.
func BuildRiskPrompt(quantJSON string, d advisor.AggregatedDecision) string {
	return RiskManagerPrompt + "\n\n[QUANT_RISK_CONTEXT]\n" + quantJSON + "\n\n" + BuildRiskContext(d)
}

// BuildFinalizerContext summarizes the portfolio, decisions and risk
// levels for the final synthesis.
func BuildFinalizerContext(portfolio advisor.Portfolio, decisions []advisor.AggregatedDecision, risks []advisor.RiskAssessment) string {
	var sb strings.Builder
	sb.WriteString("АНАЛИЗ ПОРТФЕЛЯ\n\n")

	if len(portfolio) > 0 {
		sb.WriteString("Текущий портфель:\n")
		for _, ticker := range portfolio.Tickers() {
			pos := portfolio[ticker]
			sb.WriteString(fmt.Sprintf("- %s: %d акций, средняя цена: %s руб.\n", ticker, pos.Quantity, formatFloat(pos.AvgPrice)))
		}
		sb.WriteString("\n")
	}

	if len(decisions) > 0 {
		sb.WriteString("Рекомендации агентов:\n")
		for _, d := range decisions {
			sb.WriteString(fmt.Sprintf("- %s: %s (уверенность: %.1f, консенсус: %.1f)\n",
				d.Ticker, d.FinalAction, d.ConfidenceScore, d.ConsensusStrength))
		}
		sb.WriteString("\n")
	}

	if len(risks) > 0 {
		sb.WriteString("Оценка рисков:\n")
		for _, r := range risks {
			sb.WriteString(fmt.Sprintf("- %s: уровень риска %d/10\n", r.Ticker, r.RiskLevel))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Сформируй четкие рекомендации по управлению портфелем.")
	return sb.String()
}

// BuildFinalizerPrompt joins the portfolio manager prompt and context.
func BuildFinalizerPrompt(portfolio advisor.Portfolio, decisions []advisor.AggregatedDecision, risks []advisor.RiskAssessment) string {
	return PortfolioManagerPrompt + "\n\n" + BuildFinalizerContext(portfolio, decisions, risks)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
