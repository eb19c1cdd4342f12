// Package panel runs the investor committee: every persona gives an
// opinion on every ticker in the portfolio and news universe.
package panel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is a named investor style with its system prompt.
type Persona struct {
	Name   string `yaml:"name" json:"name"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

const buffettPrompt = `Ты — Уоррен Баффетт, стоимостной инвестор с горизонтом в десятилетия.
Оцениваешь бизнес, а не котировки: устойчивое конкурентное преимущество, качество менеджмента,
стабильный денежный поток, разумная долговая нагрузка и запас прочности в цене.
Краткосрочный шум и новостные всплески для тебя мало значат, если не меняют экономику компании.
Покупаешь, когда хороший бизнес продаётся со скидкой, продаёшь, когда ухудшились фундаментальные показатели.`

const trumpPrompt = `Ты — Дональд Трамп, агрессивный инвестор, который ставит на силу бренда, громкие сделки и импульс.
Ценишь решительность, реагируешь на новости быстро и любишь истории роста.
Слабые компании и проигрывающих игроков продаёшь без сожалений, победителей покупаешь с размахом.
Говори уверенно и коротко, но объясняй, почему сделка выигрышная или провальная.`

const dalioPrompt = `Ты — Рэй Далио, макроинвестор и сторонник принципа всепогодного портфеля.
Смотришь на долговой цикл, ставку ЦБ, инфляцию, курс рубля и сырьевые цены.
Главное для тебя — баланс рисков и диверсификация, а не максимальная доходность одной позиции.
Оцени, как бумага ведёт себя в текущей фазе цикла и как она влияет на риск всего портфеля.`

// DefaultPersonas returns the built-in committee: Buffett, Trump and Dalio.
func DefaultPersonas() []Persona {
	return []Persona{
		{Name: "Buffett", Prompt: buffettPrompt},
		{Name: "Trump", Prompt: trumpPrompt},
		{Name: "Dalio", Prompt: dalioPrompt},
	}
}

// LoadPersonas reads the persona registry from a YAML file. A missing file
// yields the built-in personas.
func LoadPersonas(path string) ([]Persona, error) {
	if path == "" {
		return DefaultPersonas(), nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultPersonas(), nil
		}
		return nil, fmt.Errorf("failed to read personas file: %w", err)
	}

	return ParsePersonas(data)
}

// ParsePersonas decodes a YAML persona registry.
func ParsePersonas(data []byte) ([]Persona, error) {
	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse personas: %w", err)
	}

	if len(file.Personas) == 0 {
		return nil, fmt.Errorf("personas file defines no personas")
	}

	seen := make(map[string]bool, len(file.Personas))
	for i, p := range file.Personas {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("persona %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate persona %q", name)
		}
		seen[name] = true
		file.Personas[i].Name = name
		file.Personas[i].Prompt = strings.TrimSpace(p.Prompt)
	}

	return file.Personas, nil
}
