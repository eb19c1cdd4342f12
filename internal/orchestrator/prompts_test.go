package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		response string
		want     Route
	}{
		{"analysis", RouteAnalysis},
		{"  Analysis.\n", RouteAnalysis},
		{"Анализ", RouteAnalysis},
		{"fact", RouteFact},
		{"ФАКТ", RouteFact},
		{"backtest", RouteBacktest},
		{"бэктест", RouteBacktest},
		{"backtest analysis", RouteBacktest},
		{"other", RouteOther},
		{"другое", RouteOther},
		{"", RouteOther},
		{"не знаю", RouteOther},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRoute(tt.response), "response %q", tt.response)
	}
}

func TestKeywordRiskParser(t *testing.T) {
	tests := []struct {
		name     string
		response string
		level    int
		factors  []string
		degraded bool
	}{
		{
			name:     "russian format",
			response: "УРОВЕНЬ РИСКА: 8\nФАКТОРЫ РИСКА:\nСанкционная угроза\nВысокая волатильность\nОпасность дивидендного гэпа",
			level:    8,
			factors:  []string{"УРОВЕНЬ РИСКА: 8", "ФАКТОРЫ РИСКА:", "Санкционная угроза"},
		},
		{
			name:     "english with dash",
			response: "Risk - 3\nmain risk is liquidity",
			level:    3,
			factors:  []string{"Risk - 3", "main risk is liquidity"},
		},
		{
			name:     "suffix and no separator",
			response: "Рискованность 6 из 10",
			level:    6,
			factors:  []string{"Рискованность 6 из 10"},
		},
		{
			name:     "out of range",
			response: "Риск: 15",
			level:    defaultRiskLevel,
			factors:  []string{"Риск: 15"},
			degraded: true,
		},
		{
			name:     "zero",
			response: "risk: 0",
			level:    defaultRiskLevel,
			factors:  []string{"risk: 0"},
			degraded: true,
		},
		{
			name:     "no level",
			response: "Всё спокойно",
			level:    defaultRiskLevel,
			factors:  []string{},
			degraded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KeywordRiskParser{}.Parse(tt.response)
			assert.Equal(t, tt.level, got.Level)
			assert.Equal(t, tt.factors, got.Factors)
			assert.Equal(t, tt.degraded, got.Degraded)
		})
	}
}

func testDecision() advisor.AggregatedDecision {
	return advisor.AggregatedDecision{
		Ticker:            "SBER",
		FinalAction:       advisor.ActionBuy,
		ConfidenceScore:   7.5,
		ConsensusStrength: 0.6,
		Opinions: []advisor.Opinion{
			{PersonaName: "Warren Buffett", Ticker: "SBER", Action: advisor.ActionBuy, Confidence: 8, Reasoning: "дешево"},
			{PersonaName: "Ray Dalio", Ticker: "SBER", Action: advisor.ActionHold, Confidence: 7, Reasoning: "цикл"},
		},
	}
}

func TestBuildRiskContext(t *testing.T) {
	want := "Тикер: SBER\n" +
		"Рекомендуемое действие: BUY\n" +
		"Уровень уверенности: 7.5\n" +
		"Сила консенсуса: 0.6\n\n" +
		"Мнения агентов:\n" +
		"- Warren Buffett: BUY (уверенность: 8)\n" +
		"  Обоснование: дешево\n" +
		"- Ray Dalio: HOLD (уверенность: 7)\n" +
		"  Обоснование: цикл\n"
	assert.Equal(t, want, BuildRiskContext(testDecision()))
}

func TestBuildRiskPrompt(t *testing.T) {
	prompt := BuildRiskPrompt(`{"regime":"range"}`, testDecision())

	assert.True(t, strings.HasPrefix(prompt, RiskManagerPrompt+"\n\n[QUANT_RISK_CONTEXT]\n{\"regime\":\"range\"}\n\n"))
	assert.True(t, strings.HasSuffix(prompt, BuildRiskContext(testDecision())))
}

func TestBuildFinalizerContext(t *testing.T) {
	portfolio := advisor.Portfolio{
		"SBER": {Quantity: 100, AvgPrice: 250.5},
		"GAZP": {Quantity: 50, AvgPrice: 160},
	}
	risks := []advisor.RiskAssessment{{Ticker: "SBER", RiskLevel: 4}}

	want := "АНАЛИЗ ПОРТФЕЛЯ\n\n" +
		"Текущий портфель:\n" +
		"- GAZP: 50 акций, средняя цена: 160 руб.\n" +
		"- SBER: 100 акций, средняя цена: 250.5 руб.\n\n" +
		"Рекомендации агентов:\n" +
		"- SBER: BUY (уверенность: 7.5, консенсус: 0.6)\n\n" +
		"Оценка рисков:\n" +
		"- SBER: уровень риска 4/10\n\n" +
		"Сформируй четкие рекомендации по управлению портфелем."

	assert.Equal(t, want, BuildFinalizerContext(portfolio, []advisor.AggregatedDecision{testDecision()}, risks))
}

func TestBuildFinalizerContext_Empty(t *testing.T) {
	assert.Equal(t,
		"АНАЛИЗ ПОРТФЕЛЯ\n\nСформируй четкие рекомендации по управлению портфелем.",
		BuildFinalizerContext(nil, nil, nil))
}

func TestNodePromptsEndWithMessage(t *testing.T) {
	assert.True(t, strings.HasSuffix(BuildRouterPrompt("привет"), "Запрос: привет"))
	assert.True(t, strings.HasSuffix(BuildFactPrompt("что такое P/E?"), "Вопрос: что такое P/E?"))
	assert.True(t, strings.HasSuffix(BuildOtherPrompt("спасибо"), "Сообщение: спасибо"))
}
