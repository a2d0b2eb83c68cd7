package audit

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/systmms/credrotate/internal/model"
)

// RiskRule raises the risk assessment of records matching When, an expr
// boolean expression over the record fields exposed by riskEnv.
type RiskRule struct {
	Name       string         `yaml:"name" json:"name"`
	When       string         `yaml:"when" json:"when"`
	Severity   model.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
	RiskScore  int            `yaml:"risk_score,omitempty" json:"risk_score,omitempty"`
	Suspicious bool           `yaml:"suspicious,omitempty" json:"suspicious,omitempty"`
}

type compiledRule struct {
	RiskRule
	program *vm.Program
}

// RiskEngine applies compiled risk rules. Rules only ever raise severity,
// risk score and the suspicious flag.
type RiskEngine struct {
	rules []compiledRule
}

var severityRank = map[model.Severity]int{
	model.SeverityLow:      0,
	model.SeverityInfo:     1,
	model.SeverityWarning:  2,
	model.SeverityHigh:     3,
	model.SeverityCritical: 4,
}

// NewRiskEngine compiles rules. An invalid expression or severity fails
// the whole set.
func NewRiskEngine(rules []RiskRule) (*RiskEngine, error) {
	engine := &RiskEngine{}
	sample := riskEnv(&model.AuditRecord{})
	for i, rule := range rules {
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("rule[%d]", i)
			rule.Name = name
		}
		if rule.Severity != "" {
			if _, ok := severityRank[rule.Severity]; !ok {
				return nil, fmt.Errorf("risk rule %s: unknown severity %q", name, rule.Severity)
			}
		}
		if rule.RiskScore < 0 || rule.RiskScore > 100 {
			return nil, fmt.Errorf("risk rule %s: risk_score must be between 0 and 100", name)
		}
		program, err := expr.Compile(rule.When,
			expr.Env(sample),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("risk rule %s: compile %q: %w", name, rule.When, err)
		}
		engine.rules = append(engine.rules, compiledRule{RiskRule: rule, program: program})
	}
	return engine, nil
}

// Apply evaluates every rule against r and raises its assessment. It
// returns the names of matching rules.
func (e *RiskEngine) Apply(r *model.AuditRecord) ([]string, error) {
	if e == nil || len(e.rules) == 0 {
		return nil, nil
	}
	env := riskEnv(r)
	var matched []string
	for _, rule := range e.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return matched, fmt.Errorf("risk rule %s: %w", rule.Name, err)
		}
		if ok, _ := out.(bool); !ok {
			continue
		}
		matched = append(matched, rule.Name)
		if rule.Severity != "" && severityRank[rule.Severity] > severityRank[r.Severity] {
			r.Severity = rule.Severity
		}
		if rule.RiskScore > r.RiskScore {
			r.RiskScore = rule.RiskScore
		}
		if rule.Suspicious {
			r.Suspicious = true
		}
	}
	return matched, nil
}

// Len returns the number of compiled rules.
func (e *RiskEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

func riskEnv(r *model.AuditRecord) map[string]any {
	details := r.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return map[string]any{
		"event_type":    string(r.EventType),
		"event_subtype": r.EventSubtype,
		"action":        r.Action,
		"result":        string(r.Result),
		"severity":      string(r.Severity),
		"risk_score":    r.RiskScore,
		"suspicious":    r.Suspicious,
		"actor":         r.Actor.Name(),
		"target_type":   r.Target.ResourceType,
		"target_id":     r.Target.ResourceID,
		"source_ip":     r.SourceIP,
		"hour":          r.Timestamp.UTC().Hour(),
		"details":       details,
	}
}
