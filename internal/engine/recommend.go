package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

// RuleEngine turns service outcomes into advisory recommendations.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match anything.
type RuleMatch struct {
	Service  string   `yaml:"service"`
	Statuses []string `yaml:"statuses"`
	Required *bool    `yaml:"required"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. A missing or empty path
// yields an engine with only the built-in advisories.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engine := &RuleEngine{logger: logger}
	if path == "" {
		return engine, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("recommendation rules file not found", slog.String("path", path))
			return engine, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	engine.rules = cfg.Rules
	return engine, nil
}

// Recommend derives advisories from the outcomes, built-ins first then matching rules.
func (e *RuleEngine) Recommend(order []models.ServiceName, outcomes map[models.ServiceName]models.ServiceOutcome, required map[models.ServiceName]bool) []string {
	matched := make([]string, 0)
	for _, name := range order {
		outcome, ok := outcomes[name]
		if !ok {
			continue
		}
		matched = appendUnique(matched, builtinAdvice(outcome, required[name])...)
	}
	if e == nil {
		return matched
	}

	for _, rule := range e.rules {
		for _, name := range order {
			outcome, ok := outcomes[name]
			if !ok || !ruleMatches(rule.Match, outcome, required[name]) {
				continue
			}
			matched = appendUnique(matched, expand(rule.Recommendations, name)...)
		}
	}
	return matched
}

func builtinAdvice(outcome models.ServiceOutcome, required bool) []string {
	name := outcome.ServiceName
	switch outcome.Status {
	case models.StatusTimeout:
		return []string{fmt.Sprintf("increase timeout for slow service %s", name)}
	case models.StatusCircuitOpen:
		return []string{fmt.Sprintf("wait for the %s circuit breaker to reset before retrying", name)}
	case models.StatusFallback:
		return []string{fmt.Sprintf("treat %s data as potentially stale", name)}
	case models.StatusError:
		if required {
			return []string{fmt.Sprintf("retry required service %s later", name)}
		}
	}
	return nil
}

func ruleMatches(match RuleMatch, outcome models.ServiceOutcome, required bool) bool {
	if match.Service != "" && !strings.EqualFold(match.Service, string(outcome.ServiceName)) {
		return false
	}
	if match.Required != nil && *match.Required != required {
		return false
	}
	if len(match.Statuses) == 0 {
		return true
	}
	for _, status := range match.Statuses {
		if strings.EqualFold(status, string(outcome.Status)) {
			return true
		}
	}
	return false
}

func expand(templates []string, service models.ServiceName) []string {
	out := make([]string, 0, len(templates))
	for _, tpl := range templates {
		out = append(out, strings.ReplaceAll(tpl, "{service}", string(service)))
	}
	return out
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
