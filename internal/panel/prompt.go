package panel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

// MaxNewsPerTicker bounds how many headlines go into one persona prompt.
const MaxNewsPerTicker = 5

// BuildContext renders the per-ticker task appended to a persona prompt.
func BuildContext(ticker string, news []advisor.NewsItem, portfolio advisor.Portfolio) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Анализируй акцию %s.\n\n", ticker))

	if items := advisor.NewsFor(news, ticker, MaxNewsPerTicker); len(items) > 0 {
		sb.WriteString("Новости по акции:\n")
		for _, n := range items {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", n.Title, n.Summary))
		}
		sb.WriteString("\n")
	}

	if pos, ok := portfolio[ticker]; ok {
		sb.WriteString(fmt.Sprintf("Текущая позиция в портфеле: %d акций, ", pos.Quantity))
		sb.WriteString(fmt.Sprintf("средняя цена покупки: %s руб.\n\n", strconv.FormatFloat(pos.AvgPrice, 'f', -1, 64)))
	}

	sb.WriteString("Дай свое мнение в формате:\n")
	sb.WriteString("ДЕЙСТВИЕ: [КУПИТЬ/ПРОДАТЬ/ДЕРЖАТЬ]\n")
	sb.WriteString("УВЕРЕННОСТЬ: [1-10]\n")
	sb.WriteString("ОБОСНОВАНИЕ: [подробное объяснение решения]")

	return sb.String()
}

// BuildPrompt joins the persona prompt and the ticker context.
func BuildPrompt(p Persona, ticker string, news []advisor.NewsItem, portfolio advisor.Portfolio) string {
	return p.Prompt + "\n\n" + BuildContext(ticker, news, portfolio)
}
