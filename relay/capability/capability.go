// Package capability holds the static capability registry and the matching
// rules deciding which upstream keys may serve a request's requirement bag.
package capability

import "strings"

// Match modes.
//
// EXCLUSIVE capabilities carry a cost premium: a key advertising one is only
// eligible when the request asks for it, so plain traffic never pays for it.
// COMPATIBLE capabilities are harmless extras: keys advertising one also serve
// requests that do not need it.
const (
	ModeExclusive  = "exclusive"
	ModeCompatible = "compatible"
)

const (
	Context1M = "context_1m"
	Cache1H   = "cache_1h"
)

// Definition describes one capability.
type Definition struct {
	Name        string
	DisplayName string
	Mode        string
	// ErrorPatterns are lowercase keywords; an upstream error message matching
	// all of them signals that the request needs this capability.
	ErrorPatterns []string
}

var registry = map[string]Definition{
	Context1M: {
		Name:          Context1M,
		DisplayName:   "1M context window",
		Mode:          ModeCompatible,
		ErrorPatterns: []string{"context", "token", "length", "exceed"},
	},
	Cache1H: {
		Name:        Cache1H,
		DisplayName: "1 hour prompt cache",
		Mode:        ModeExclusive,
	},
}

// Get looks up a capability definition by name.
func Get(name string) (Definition, bool) {
	def, ok := registry[name]
	return def, ok
}

// Names returns every registered capability name.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// KeyCapabilities is the advertisement predicate of one upstream key.
type KeyCapabilities interface {
	HasCapability(name string) bool
}

// Match reports whether a key's advertised capabilities satisfy the request's
// requirement bag. An absent requirement is unset, not false; for EXCLUSIVE
// capabilities unset behaves as false and filters out advertising keys.
// Unknown requirement names are ignored.
func Match(requirements map[string]bool, key KeyCapabilities) bool {
	for name, def := range registry {
		required, present := requirements[name]
		required = required && present
		advertised := key.HasCapability(name)
		switch def.Mode {
		case ModeExclusive:
			if required != advertised {
				return false
			}
		case ModeCompatible:
			if required && !advertised {
				return false
			}
		}
	}
	return true
}

// DetectUpgrade scans an upstream error message for capability hints. When the
// message matches every error pattern of a capability not yet required, that
// capability's name is returned so the planner can re-run with it set.
func DetectUpgrade(requirements map[string]bool, errorMessage string) (string, bool) {
	if errorMessage == "" {
		return "", false
	}
	msg := strings.ToLower(errorMessage)
	for name, def := range registry {
		if len(def.ErrorPatterns) == 0 || requirements[name] {
			continue
		}
		if matchesAll(msg, def.ErrorPatterns) {
			return name, true
		}
	}
	return "", false
}

func matchesAll(msg string, patterns []string) bool {
	for _, p := range patterns {
		if !strings.Contains(msg, p) {
			return false
		}
	}
	return true
}
