package orchestrator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

const (
	defaultRiskLevel = 5
	maxRiskFactors   = 3
)

// Degraded risk assessment texts.
const (
	riskErrorFactor         = "Ошибка анализа"
	riskErrorRecommendation = "Требуется дополнительный анализ"
)

// RiskParse is the structured part of a risk manager answer.
type RiskParse struct {
	Level    int
	Factors  []string
	Degraded bool
}

// RiskParser extracts a risk level and factors from free text.
type RiskParser interface {
	Parse(response string) RiskParse
}

// KeywordRiskParser takes the first integer after "риск"/"risk" (any
// suffix, optional ':' or '-') as the level and the first lines mentioning
// a risk keyword as factors.
type KeywordRiskParser struct{}

var riskLevelPattern = regexp.MustCompile(`(?i)(?:risk|риск)\p{L}*\s*[:\-]?\s*(\d+)`)

var riskKeywords = []string{"риск", "опасность", "угроза", "risk"}

// Parse implements RiskParser. Levels outside [1,10] fall back to the
// default.
func (KeywordRiskParser) Parse(response string) RiskParse {
	out := RiskParse{Level: defaultRiskLevel, Factors: []string{}}

	if m := riskLevelPattern.FindStringSubmatch(response); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= 10 {
			out.Level = n
		} else {
			out.Degraded = true
		}
	} else {
		out.Degraded = true
	}

	for _, line := range strings.Split(response, "\n") {
		lower := strings.ToLower(line)
		for _, kw := range riskKeywords {
			if strings.Contains(lower, kw) {
				out.Factors = append(out.Factors, strings.TrimSpace(line))
				break
			}
		}
		if len(out.Factors) == maxRiskFactors {
			break
		}
	}

	return out
}

func degradedRiskAssessment(ticker string) advisor.RiskAssessment {
	return advisor.RiskAssessment{
		Ticker:         ticker,
		RiskLevel:      defaultRiskLevel,
		RiskFactors:    []string{riskErrorFactor},
		Recommendation: riskErrorRecommendation,
		Degraded:       true,
	}
}
