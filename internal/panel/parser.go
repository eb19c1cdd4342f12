package panel

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

const defaultConfidence = 5

// ParseResult is the structured part of a persona answer. Degraded is set
// when a default had to be substituted for the action or the confidence.
type ParseResult struct {
	Action     advisor.Action
	Confidence int
	Reasoning  string
	Degraded   bool
}

// ResponseParser turns a free-text completion into a ParseResult.
type ResponseParser interface {
	Parse(response string) ParseResult
}

// KeywordParser looks for action keywords (Russian or English) and takes
// the first integer in [1,10] as the confidence.
type KeywordParser struct{}

var digitRun = regexp.MustCompile(`\d+`)

// actionKeywords is checked in order; the first group with a hit wins.
var actionKeywords = []struct {
	action   advisor.Action
	keywords []string
}{
	{advisor.ActionBuy, []string{"КУПИТЬ", "BUY"}},
	{advisor.ActionSell, []string{"ПРОДАТЬ", "SELL"}},
	{advisor.ActionHold, []string{"ДЕРЖАТЬ", "HOLD"}},
}

// Parse implements ResponseParser.
func (KeywordParser) Parse(response string) ParseResult {
	result := ParseResult{
		Action:     advisor.ActionHold,
		Confidence: defaultConfidence,
		Reasoning:  strings.TrimSpace(response),
	}

	upper := strings.ToUpper(response)
	actionFound := false
	for _, group := range actionKeywords {
		if containsAny(upper, group.keywords) {
			result.Action = group.action
			actionFound = true
			break
		}
	}

	confidenceFound := false
	for _, tok := range integerTokens(response) {
		n, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		if n >= 1 && n <= 10 {
			result.Confidence = n
			confidenceFound = true
			break
		}
	}

	result.Degraded = !actionFound || !confidenceFound
	return result
}

// integerTokens returns the standalone digit runs of s. A run touching a
// letter, digit or underscore in any script (as in "Уверенность7") is not
// standalone.
func integerTokens(s string) []string {
	var out []string
	for _, loc := range digitRun.FindAllStringIndex(s, -1) {
		before, _ := utf8.DecodeLastRuneInString(s[:loc[0]])
		after, _ := utf8.DecodeRuneInString(s[loc[1]:])
		if isWordRune(before) || isWordRune(after) {
			continue
		}
		out = append(out, s[loc[0]:loc[1]])
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
