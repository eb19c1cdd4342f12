package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
	"github.com/ajitpratap0/moexadvisor/internal/llm"
)

// Completion budget for one persona answer.
const (
	Temperature = 0.7
	MaxTokens   = 1000
)

// Panel asks every persona about every ticker.
type Panel struct {
	completer   llm.Completer
	personas    []Persona
	parser      ResponseParser
	concurrency int
	onOpinion   func(advisor.Opinion)
	log         zerolog.Logger
}

// Option configures a Panel.
type Option func(*Panel)

// WithPersonas replaces the built-in committee.
func WithPersonas(personas []Persona) Option {
	return func(p *Panel) {
		if len(personas) > 0 {
			p.personas = personas
		}
	}
}

// WithParser replaces the keyword parser.
func WithParser(parser ResponseParser) Option {
	return func(p *Panel) {
		if parser != nil {
			p.parser = parser
		}
	}
}

// WithConcurrency bounds the number of in-flight completions. 1 (the
// default) runs the panel sequentially.
func WithConcurrency(n int) Option {
	return func(p *Panel) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a panel over completer.
func New(completer llm.Completer, opts ...Option) *Panel {
	p := &Panel{
		completer:   completer,
		personas:    DefaultPersonas(),
		parser:      KeywordParser{},
		concurrency: 1,
		log:         log.With().Str("component", "panel").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Personas returns the committee members in prompt order.
func (p *Panel) Personas() []Persona {
	return p.personas
}

// Discuss returns one opinion per (ticker, persona), tickers sorted and
// personas in registry order. A failed completion degrades to a HOLD
// opinion with confidence 1; the rest of the panel still runs.
func (p *Panel) Discuss(ctx context.Context, portfolio advisor.Portfolio, news []advisor.NewsItem) []advisor.Opinion {
	return p.DiscussStream(ctx, portfolio, news, nil)
}

// DiscussStream is Discuss with a callback invoked as each opinion is
// produced. Calls to onOpinion are serialized.
func (p *Panel) DiscussStream(ctx context.Context, portfolio advisor.Portfolio, news []advisor.NewsItem, onOpinion func(advisor.Opinion)) []advisor.Opinion {
	tickers := advisor.TickerUniverse(portfolio, news)

	type job struct {
		ticker  string
		persona Persona
	}
	jobs := make([]job, 0, len(tickers)*len(p.personas))
	for _, t := range tickers {
		for _, persona := range p.personas {
			jobs = append(jobs, job{ticker: t, persona: persona})
		}
	}

	p.log.Info().
		Strs("tickers", tickers).
		Int("personas", len(p.personas)).
		Int("concurrency", p.concurrency).
		Msg("Panel discussion started")

	opinions := make([]advisor.Opinion, len(jobs))

	var mu sync.Mutex
	emit := func(op advisor.Opinion) {
		if onOpinion == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onOpinion(op)
	}

	if p.concurrency <= 1 {
		for i, j := range jobs {
			opinions[i] = p.analyze(ctx, j.persona, j.ticker, portfolio, news)
			emit(opinions[i])
		}
	} else {
		var g errgroup.Group
		g.SetLimit(p.concurrency)
		for i, j := range jobs {
			g.Go(func() error {
				opinions[i] = p.analyze(ctx, j.persona, j.ticker, portfolio, news)
				emit(opinions[i])
				return nil
			})
		}
		_ = g.Wait() // workers degrade instead of failing
	}

	p.log.Info().Int("opinions", len(opinions)).Msg("Panel discussion finished")
	return opinions
}

func (p *Panel) analyze(ctx context.Context, persona Persona, ticker string, portfolio advisor.Portfolio, news []advisor.NewsItem) advisor.Opinion {
	start := time.Now()
	prompt := BuildPrompt(persona, ticker, news, portfolio)

	response, err := p.completer.Complete(ctx, prompt, Temperature, MaxTokens)
	if err != nil {
		p.log.Warn().
			Err(err).
			Str("persona", persona.Name).
			Str("ticker", ticker).
			Msg("Persona completion failed, degrading to HOLD")
		return advisor.Opinion{
			PersonaName: persona.Name,
			Ticker:      ticker,
			Action:      advisor.ActionHold,
			Confidence:  1,
			Reasoning:   fmt.Sprintf("Ошибка анализа: %v", err),
			Degraded:    true,
		}
	}

	parsed := p.parser.Parse(response)
	opinion := advisor.Opinion{
		PersonaName: persona.Name,
		Ticker:      ticker,
		Action:      parsed.Action,
		Confidence:  parsed.Confidence,
		Reasoning:   parsed.Reasoning,
		Degraded:    parsed.Degraded,
	}

	p.log.Debug().
		Str("persona", persona.Name).
		Str("ticker", ticker).
		Str("action", string(opinion.Action)).
		Int("confidence", opinion.Confidence).
		Bool("degraded", opinion.Degraded).
		Dur("duration", time.Since(start)).
		Msg("Persona opinion")

	return opinion
}
