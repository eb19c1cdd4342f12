// Package advisor holds the domain model shared by the panel, the risk
// stage and the workflow orchestrator.
package advisor

import (
	"sort"
	"strings"
)

// Action is a trading recommendation for a single ticker.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Actions lists every action in tie-break order.
var Actions = []Action{ActionBuy, ActionSell, ActionHold}

// ParseAction normalizes s into an Action. Unknown values map to HOLD.
func ParseAction(s string) Action {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy
	case ActionSell:
		return ActionSell
	default:
		return ActionHold
	}
}

// Opinion is one persona's view on one ticker.
type Opinion struct {
	PersonaName string `json:"agent_name"`
	Ticker      string `json:"ticker"`
	Action      Action `json:"action"`
	Confidence  int    `json:"confidence"` // 1-10
	Reasoning   string `json:"reasoning"`
	Degraded    bool   `json:"degraded,omitempty"`
}

// AggregatedDecision is the confidence-weighted consensus for a ticker.
type AggregatedDecision struct {
	Ticker            string    `json:"ticker"`
	FinalAction       Action    `json:"final_action"`
	ConfidenceScore   float64   `json:"confidence_score"`
	ConsensusStrength float64   `json:"consensus_strength"`
	Opinions          []Opinion `json:"agent_opinions"`
}

// RiskAssessment is the risk manager's verdict for a ticker.
type RiskAssessment struct {
	Ticker         string   `json:"ticker"`
	RiskLevel      int      `json:"risk_level"` // 1-10
	RiskFactors    []string `json:"risk_factors"`
	Recommendation string   `json:"recommendations"`
	Degraded       bool     `json:"degraded,omitempty"`
}

// Position is a holding in the user's portfolio.
type Position struct {
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// Portfolio maps ticker to position.
type Portfolio map[string]Position

// Tickers returns the portfolio tickers in sorted order.
func (p Portfolio) Tickers() []string {
	tickers := make([]string, 0, len(p))
	for t := range p {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}

// NewsItem is a single news headline attributed to a ticker.
type NewsItem struct {
	Ticker  string `json:"ticker"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// NewsFor returns at most limit news items about ticker, in input order.
func NewsFor(news []NewsItem, ticker string, limit int) []NewsItem {
	var out []NewsItem
	for _, n := range news {
		if n.Ticker != ticker {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// TickerUniverse is the sorted union of portfolio tickers and tickers
// mentioned in news.
func TickerUniverse(portfolio Portfolio, news []NewsItem) []string {
	seen := make(map[string]struct{}, len(portfolio)+len(news))
	for t := range portfolio {
		seen[t] = struct{}{}
	}
	for _, n := range news {
		if n.Ticker != "" {
			seen[n.Ticker] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
