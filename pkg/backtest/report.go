package backtest

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/moexadvisor/internal/risk"
)

// tickerPerformance aggregates the daily rows per ticker. Returns are
// relative to the ticker's market value before its first row; drawdown is
// taken over its sequence of marks.
func tickerPerformance(daily []Day) map[string]TickerPerformance {
	type acc struct {
		pnl        decimal.Decimal
		confidence float64
		wins       int
		rows       int
		initial    float64
		marks      []float64
	}

	byTicker := make(map[string]*acc)
	for _, d := range daily {
		a, ok := byTicker[d.Ticker]
		if !ok {
			a = &acc{
				initial: d.PositionBefore.MarketValue(),
				marks:   []float64{d.PositionBefore.MarkPrice},
			}
			byTicker[d.Ticker] = a
		}
		a.pnl = a.pnl.Add(decimal.NewFromFloat(d.DailyPnL))
		a.confidence += d.Confidence
		a.rows++
		if d.DailyPnL > 0 {
			a.wins++
		}
		a.marks = append(a.marks, d.Close)
	}

	out := make(map[string]TickerPerformance, len(byTicker))
	for ticker, a := range byTicker {
		perf := TickerPerformance{
			TotalPnL:      a.pnl.InexactFloat64(),
			AvgConfidence: a.confidence / float64(a.rows),
			WinRate:       float64(a.wins) / float64(a.rows),
		}
		if a.initial > 0 {
			perf.TotalReturnPct = a.pnl.Div(decimal.NewFromFloat(a.initial)).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		perf.MaxDrawdown, _ = risk.Drawdown(a.marks)
		out[ticker] = perf
	}
	return out
}

// Summary renders the result as a short Russian report for chat replies.
func (r *Result) Summary() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Бэктест с %s по %s (%d дн.)\n\n",
		r.StartDate.Format("2006-01-02"), r.EndDate.Format("2006-01-02"), r.Days))
	sb.WriteString(fmt.Sprintf("Начальная стоимость портфеля: %s руб.\n", formatMoney(r.InitialPortfolioValue)))
	sb.WriteString(fmt.Sprintf("Итоговая стоимость портфеля: %s руб.\n", formatMoney(r.FinalPortfolioValue)))
	sb.WriteString(fmt.Sprintf("Прибыль/убыток: %s руб. (%s)\n", formatMoney(r.TotalPnL), formatPercent(r.TotalReturnPct)))

	if len(r.TickerPerformance) > 0 {
		sb.WriteString("\nПо тикерам:\n")
		tickers := make([]string, 0, len(r.TickerPerformance))
		for t := range r.TickerPerformance {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
		for _, t := range tickers {
			p := r.TickerPerformance[t]
			sb.WriteString(fmt.Sprintf("- %s: %s руб. (%s), средняя уверенность %.1f, прибыльных дней %s, макс. просадка %s\n",
				t, formatMoney(p.TotalPnL), formatPercent(p.TotalReturnPct), p.AvgConfidence,
				formatPercent(p.WinRate*100), formatPercent(p.MaxDrawdown*100)))
		}
	}

	if len(r.DailyResults) == 0 {
		sb.WriteString("\nЗа период не было торговых дней с рекомендациями.\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

// WriteJSON writes the indented JSON report.
func (r *Result) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode backtest report: %w", err)
	}
	return nil
}

func formatMoney(f float64) string {
	return fmt.Sprintf("%.2f", f)
}

func formatPercent(f float64) string {
	return fmt.Sprintf("%.2f%%", f)
}
