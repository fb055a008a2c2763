package ai

import (
	"go.uber.org/fx"
)

// Clients bundles the AI collaborators injected into matching.
type Clients struct {
	fx.Out

	Scorer    Scorer
	Questions QuestionGenerator
}

// DisabledClients is provided when no Gemini key is configured.
func DisabledClients() Clients {
	d := Disabled()
	return Clients{Scorer: d, Questions: d}
}
