package audio_relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

var (
	ErrDuplicateStrategy = errors.New("duplicate strategy name")
	ErrInvalidStrategy   = errors.New("invalid strategy")
	ErrUnknownStrategy   = errors.New("unknown strategy")
)

var (
	PriorityHighest int16 = math.MinInt16
	PriorityDefault int16 = 0
	PriorityLowest  int16 = math.MaxInt16
)

// A ResolveFunc turns a URL into a ResolvedItem. It returns ErrNotApplicable if the URL is not something it handles.
type ResolveFunc = func(ctx context.Context, url string) (*ResolvedItem, error)

// A Strategy is one tier of resolution, backed by one external provider.
type Strategy struct {
	Name    string
	Resolve ResolveFunc
	// Priority of the strategy, lower (including negative) means trying earlier.
	Priority int16
	// Final strategies end the chain once they apply, whether or not they succeed.
	Final bool
}

func (s Strategy) WithPriority(priority int16) Strategy {
	s.Priority = priority
	return s
}

func (s Strategy) AsFinal() Strategy {
	s.Final = true
	return s
}

// A Resolution is the result of a Strategy successfully resolving a URL.
type Resolution struct {
	StrategyName string
	Item         *ResolvedItem
}

// An Attempt records what happened when a single Strategy was tried.
type Attempt struct {
	StrategyName string
	Err          error
}

// Outcome classifies the attempt for logs and metrics.
func (a Attempt) Outcome() string {
	switch {
	case a.Err == nil:
		return "success"
	case IsNotApplicable(a.Err):
		return "not_applicable"
	case IsTransient(a.Err):
		return "transient"
	default:
		var exhausted *ExhaustedError
		if errors.As(a.Err, &exhausted) {
			return "exhausted"
		}
		return "failed"
	}
}

// A StrategyRegistry is an ordered collection of Strategy instances which are tried in turn until one resolves the
// URL.
type StrategyRegistry struct {
	strategies  []*Strategy
	strategyMap map[string]*Strategy
	// OnAttempt, if set, is called after every strategy is tried.
	OnAttempt func(url string, attempt Attempt)
}

// Add registers a Strategy. Strategy.Name and Strategy.Resolve must be set, and Strategy.Name must be unique within
// the StrategyRegistry.
func (r *StrategyRegistry) Add(s Strategy) error {
	if r.strategyMap == nil {
		r.strategyMap = make(map[string]*Strategy)
	}
	if s.Name == "" || s.Resolve == nil {
		return ErrInvalidStrategy
	}
	if _, ok := r.strategyMap[s.Name]; ok {
		return ErrDuplicateStrategy
	}
	r.strategyMap[s.Name] = &s
	r.strategies = append(r.strategies, r.strategyMap[s.Name])
	r.sortByPriority()
	return nil
}

// MustAdd wraps Add but panics if there is an error.
func (r *StrategyRegistry) MustAdd(s Strategy) {
	if err := r.Add(s); err != nil {
		panic(fmt.Errorf("failed to add strategy %q: %w", s.Name, err))
	}
}

// List returns the names of registered strategies in priority order.
func (r *StrategyRegistry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		names = append(names, s.Name)
	}
	return names
}

// Resolve tries each Strategy in priority order. Strategies that are not applicable are skipped silently; all other
// failures are accumulated and returned if nothing resolves the URL.
func (r *StrategyRegistry) Resolve(ctx context.Context, url string) (*Resolution, error) {
	var result error
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return nil, multierror.Append(result, err)
		}
		item, err := r.try(ctx, s, url)
		if err == nil && item == nil {
			err = ErrNoMatch
		}
		if r.OnAttempt != nil {
			r.OnAttempt(url, Attempt{StrategyName: s.Name, Err: err})
		}
		if err == nil {
			return &Resolution{StrategyName: s.Name, Item: item}, nil
		}
		if IsNotApplicable(err) {
			continue
		}
		result = multierror.Append(result, fmt.Errorf("[%v] %w", s.Name, err))
		if s.Final {
			break
		}
	}
	if result == nil {
		result = ErrNotApplicable
	}
	return nil, result
}

// ResolveWith resolves a URL with one specific strategy.
func (r *StrategyRegistry) ResolveWith(ctx context.Context, name string, url string) (*Resolution, error) {
	s, ok := r.strategyMap[name]
	if !ok {
		return nil, ErrUnknownStrategy
	}
	item, err := r.try(ctx, s, url)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNoMatch
	}
	return &Resolution{StrategyName: s.Name, Item: item}, nil
}

// try runs a single strategy, converting a panic inside a provider into a transient failure.
func (r *StrategyRegistry) try(ctx context.Context, s *Strategy, url string) (item *ResolvedItem, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			zap.S().Named("strategy").Errorw("strategy panicked", "stage", s.Name, "url", url, "panic", recovered)
			item, err = nil, Transientf("panic in %s: %v", s.Name, recovered)
		}
	}()
	return s.Resolve(ctx, url)
}

func (r *StrategyRegistry) sortByPriority() {
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority < r.strategies[j].Priority
	})
}
