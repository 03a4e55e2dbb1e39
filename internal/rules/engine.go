// Package rules provides the species rule tables and the CEL-Go based
// custom rule engine layered on top of them.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// Engine scores incidents with the species tables plus any loaded custom rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	tables        Tables
	compiledRules map[string]*CompiledRule
	densityGetter DensityGetter
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.CustomRuleConfig
	Program cel.Program
}

// DensityGetter returns the number of recent incidents in a district.
type DensityGetter func(ctx context.Context, tenantID, district string) (int64, error)

// NewEngine creates a new rule evaluation engine over the built-in tables.
func NewEngine(densityGetter DensityGetter, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	opts := []cel.EnvOption{
		cel.Variable("species", cel.StringType),
		cel.Variable("season", cel.StringType),
		cel.Variable("demographic", cel.StringType),
		cel.Variable("district", cel.StringType),
		cel.Variable("state", cel.StringType),
		cel.Variable("lat", cel.DoubleType),
		cel.Variable("lon", cel.DoubleType),
		cel.Variable("recent_incidents", cel.IntType),
	}
	for _, c := range domain.AllCovariates {
		opts = append(opts, cel.Variable(string(c), cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		tables:        DefaultTables(),
		compiledRules: make(map[string]*CompiledRule),
		densityGetter: densityGetter,
		maxWorkers:    maxWorkers,
	}, nil
}

// Tables returns the species tables the engine scores with.
func (e *Engine) Tables() Tables {
	return e.tables
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.CustomRuleConfig) error {
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine. It applies the same
// checks as ValidateRule.
func (e *Engine) LoadRule(cfg *domain.CustomRuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledRule, len(e.compiledRules)+1)
	for id, r := range e.compiledRules {
		next[id] = r
	}
	next[cfg.ID] = compiled
	e.compiledRules = next

	return nil
}

// ReloadRules replaces all custom rules atomically.
// On a compile error the previous set stays active.
func (e *Engine) ReloadRules(configs []*domain.CustomRuleConfig) error {
	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()

	return nil
}

// RulesCount returns the number of loaded custom rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations, sorted by ID.
func (e *Engine) GetLoadedRules() []*domain.CustomRuleConfig {
	snapshot := e.snapshot()
	out := make([]*domain.CustomRuleConfig, len(snapshot))
	for i, r := range snapshot {
		out[i] = r.Config
	}
	return out
}

// snapshot returns the loaded rules sorted by ID. The map behind it is
// never mutated after publication, so callers can use it without the lock.
func (e *Engine) snapshot() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, r := range e.compiledRules {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })
	return rules
}

// Evaluate scores a single incident. Custom rules add weight to the table
// accumulation before clamping.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, inc *domain.Incident) (Result, error) {
	return e.evaluate(ctx, tenantID, inc, e.snapshot())
}

func (e *Engine) evaluate(ctx context.Context, tenantID string, inc *domain.Incident, rules []*CompiledRule) (Result, error) {
	if inc == nil {
		return Result{}, fmt.Errorf("%w: nil incident", domain.ErrInvalidIncident)
	}

	res, err := e.tables.Score(Input{
		Species:     inc.Species,
		Season:      inc.Season,
		Demographic: inc.Demographic,
		Covariates:  inc.Covariates,
	})
	if err != nil || !res.Supported {
		return res, err
	}

	var applicable []*CompiledRule
	for _, r := range rules {
		if r.Config.AppliesTo(inc.Species) {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		return res, nil
	}

	activation := e.activation(ctx, tenantID, inc)
	for _, r := range applicable {
		hit := e.evaluateRule(r, activation)
		if hit == nil {
			continue
		}
		res.RawWeight += hit.Weight
		res.Hits = append(res.Hits, *hit)
	}
	res.Probability = Probability(res.RawWeight)
	return res, nil
}

func (e *Engine) activation(ctx context.Context, tenantID string, inc *domain.Incident) map[string]any {
	var recent int64
	if e.densityGetter != nil && inc.District != "" {
		if n, err := e.densityGetter(ctx, tenantID, inc.District); err == nil {
			recent = n
		}
	}

	activation := map[string]any{
		"species":          string(inc.Species),
		"season":           string(inc.Season),
		"demographic":      string(inc.Demographic),
		"district":         inc.District,
		"state":            inc.State,
		"lat":              inc.Lat,
		"lon":              inc.Lon,
		"recent_incidents": recent,
	}
	// Absent covariates are left unbound so rules that read them error out
	// instead of seeing a fabricated zero.
	for name, v := range inc.Covariates {
		activation[string(name)] = v
	}
	return activation
}

// evaluateRule returns the hit for a rule that fired or errored, nil otherwise.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any) *domain.RuleHit {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return &domain.RuleHit{
			RuleID: rule.Config.ID,
			Custom: true,
			Error:  fmt.Sprintf("evaluation error: %v", err),
		}
	}
	if toScore(out) == 0 {
		return nil
	}
	return &domain.RuleHit{
		RuleID: rule.Config.ID,
		Custom: true,
		Weight: rule.Config.Weight,
	}
}

// BatchResult pairs a per-record score with its error.
type BatchResult struct {
	Result Result
	Err    error
}

// EvaluateBatch scores incidents concurrently. Results are in input order
// and one record's failure never affects another.
func (e *Engine) EvaluateBatch(ctx context.Context, tenantID string, incidents []*domain.Incident) []BatchResult {
	rules := e.snapshot()
	results := make([]BatchResult, len(incidents))

	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, inc := range incidents {
		wg.Add(1)
		go func(idx int, inc *domain.Incident) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if err := ctx.Err(); err != nil {
				results[idx] = BatchResult{Err: err}
				return
			}
			res, err := e.evaluate(ctx, tenantID, inc, rules)
			results[idx] = BatchResult{Result: res, Err: err}
		}(i, inc)
	}

	wg.Wait()

	return results
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.CustomRuleConfig) (*CompiledRule, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rule config is required")
	}
	if cfg.Species != "" && !cfg.Species.Supported() {
		return nil, fmt.Errorf("rule %s: %w: %q", cfg.ID, domain.ErrUnsupportedSpecies, cfg.Species)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
