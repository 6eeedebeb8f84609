package agent

import (
	"log/slog"
	"strings"

	"concierge/internal/domain"
)

// DefaultAgentName is used when no personas are configured.
const DefaultAgentName = "default"

// Agent is a resolved persona bound to a provider.
type Agent struct {
	Name     string
	Persona  string
	Provider domain.Provider
}

// ProviderBuilder constructs a provider pinned to a specific model.
type ProviderBuilder interface {
	ForModel(model string) (domain.Provider, error)
}

// Registry holds the configured agents in file order. The first agent is
// the fallback default; per-mode defaults come from configuration.
type Registry struct {
	order    []string
	byName   map[string]*Agent
	defaults map[string]string // mode -> agent name
	logger   *slog.Logger
}

// BuildRegistry validates the loaded specs against the provider setup.
// Entries without a name or persona are skipped with a warning. An agent
// whose model matches the global default reuses the shared provider; a
// distinct model gets its own instance, falling back to the shared provider
// if construction fails. With zero valid entries the registry holds a
// single default agent.
func BuildRegistry(specs []AgentSpec, defaults map[string]string, global domain.Provider, globalModel string, builder ProviderBuilder, logger *slog.Logger) *Registry {
	r := &Registry{
		byName:   make(map[string]*Agent),
		defaults: defaults,
		logger:   logger,
	}

	for _, spec := range specs {
		name := strings.ToLower(strings.TrimSpace(spec.Name))
		if name == "" || strings.TrimSpace(spec.Persona) == "" {
			logger.Warn("skipping agent with missing name or persona", "name", spec.Name)
			continue
		}
		if _, dup := r.byName[name]; dup {
			logger.Warn("skipping duplicate agent", "name", name)
			continue
		}

		prov := global
		if spec.Model != "" && spec.Model != globalModel {
			p, err := builder.ForModel(spec.Model)
			if err != nil {
				logger.Warn("agent provider unavailable, using default",
					"agent", name, "model", spec.Model, "error", err)
			} else {
				prov = p
			}
		}

		r.byName[name] = &Agent{Name: name, Persona: spec.Persona, Provider: prov}
		r.order = append(r.order, name)
	}

	if len(r.order) == 0 {
		r.byName[DefaultAgentName] = &Agent{Name: DefaultAgentName, Provider: global}
		r.order = append(r.order, DefaultAgentName)
	}

	return r
}

// Names returns the agent names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Multi reports whether more than one agent is registered. Reply prefixes
// are only added in that case.
func (r *Registry) Multi() bool { return len(r.order) > 1 }

// Default returns the first registered agent.
func (r *Registry) Default() *Agent { return r.byName[r.order[0]] }

// ByName looks an agent up case-insensitively.
func (r *Registry) ByName(name string) *Agent {
	return r.byName[strings.ToLower(name)]
}

// defaultFor returns the configured default agent for a mode, or nil.
func (r *Registry) defaultFor(mode domain.ChatMode) *Agent {
	if name, ok := r.defaults[string(mode)]; ok {
		return r.ByName(name)
	}
	return nil
}

// Resolve picks the agent for a message and returns the text with any
// recognized @name prefix stripped. Precedence: explicit @name prefix,
// then the chat's assigned agent, then the mode default, then the first
// registered agent. An @ prefix naming no known agent is left in the text.
func (r *Registry) Resolve(text, chatAgent string, mode domain.ChatMode) (*Agent, string) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "@") {
		rest := trimmed[1:]
		name := rest
		var remainder string
		if idx := strings.IndexAny(rest, " \t\n"); idx >= 0 {
			name = rest[:idx]
			remainder = strings.TrimSpace(rest[idx:])
		}
		if a := r.ByName(name); a != nil {
			return a, remainder
		}
	}

	if chatAgent != "" {
		if a := r.ByName(chatAgent); a != nil {
			return a, text
		}
	}

	if a := r.defaultFor(mode); a != nil {
		return a, text
	}

	return r.Default(), text
}
