package match

import (
	"github.com/gomlx/graphopt/pkg/core/ir"
	"k8s.io/klog/v2"
)

// Rule is a rewrite: a pattern and the transformation to apply to the instructions it matches.
type Rule interface {
	// Matcher returns the pattern of the rule.
	Matcher() Matcher

	// Apply the rule to a match in the module.
	Apply(m *ir.Module, r Result)
}

// funcRule implements Rule with closures.
type funcRule struct {
	name    string
	matcher Matcher
	apply   func(m *ir.Module, r Result)
}

func (r funcRule) Matcher() Matcher               { return r.matcher }
func (r funcRule) Apply(m *ir.Module, res Result) { r.apply(m, res) }
func (r funcRule) String() string                 { return r.name }

// NewRule creates a Rule from a matcher and the function that applies it. The name is used for logging.
func NewRule(name string, matcher Matcher, apply func(m *ir.Module, r Result)) Rule {
	return funcRule{name: name, matcher: matcher, apply: apply}
}

// FindMatches walks the module in order and, for each instruction, applies the first rule whose pattern matches it.
//
// Rules may insert instructions (which are visited if inserted after the current one) and replace or remove
// the current instruction. Matching is not reentrant: rules must not call FindMatches on the same module.
func FindMatches(m *ir.Module, rules ...Rule) {
	end := m.BeginMatching()
	defer end()
	for ins := m.First(); ins != nil; {
		next := ins.Next()
		for _, rule := range rules {
			result, ok := Match(rule.Matcher(), ins)
			if !ok {
				continue
			}
			if klog.V(3).Enabled() {
				klog.Infof("module %q: rule %v matched %s", m.Name(), rule, ins)
			}
			rule.Apply(m, result)
			break
		}
		if ins.Module() == m {
			next = ins.Next()
		}
		ins = next
	}
}
