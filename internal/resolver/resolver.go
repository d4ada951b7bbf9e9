// Package resolver maps a user to a logical group through an ordered list of
// strategies. The first strategy that yields a group wins.
package resolver

import (
	"fmt"
	"strings"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

// Directory is the read side of the membership cache.
type Directory interface {
	GroupForUser(userID string) (string, bool)
	UserDisplayName(userID string) (string, bool)
}

// PolicyContext carries the access policy attached to an event, when any.
type PolicyContext struct {
	PolicyID   string
	PolicyName string
}

type Strategy interface {
	Name() string
	Resolve(userID string, pc PolicyContext) (string, bool)
}

type Resolver struct {
	strategies []Strategy
	dir        Directory
}

// New builds the strategies named in cfg.Strategies, in that order.
func New(cfg config.ResolverConfig, dir Directory) (*Resolver, error) {
	names := cfg.Strategies
	if len(names) == 0 {
		names = []string{config.StrategyGroupCache, config.StrategyUserOverride, config.StrategyPolicy}
	}
	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case config.StrategyGroupCache:
			strategies = append(strategies, GroupCache{Dir: dir})
		case config.StrategyUserOverride:
			strategies = append(strategies, NewUserOverride(cfg.UserOverrides))
		case config.StrategyPolicy:
			strategies = append(strategies, NewPolicy(cfg.PolicyGroups))
		default:
			return nil, fmt.Errorf("unknown resolver strategy %q", name)
		}
	}
	return &Resolver{strategies: strategies, dir: dir}, nil
}

// NewWithStrategies is used when the caller assembles strategies by hand.
func NewWithStrategies(dir Directory, strategies ...Strategy) *Resolver {
	return &Resolver{strategies: strategies, dir: dir}
}

func (r *Resolver) Strategies() []string {
	out := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s.Name())
	}
	return out
}

// Resolve never consults a strategy for an empty userID. The display name is
// looked up whether or not a group was found.
func (r *Resolver) Resolve(userID string, pc PolicyContext) model.ResolvedGroup {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return model.ResolvedGroup{}
	}
	var out model.ResolvedGroup
	if r.dir != nil {
		if name, ok := r.dir.UserDisplayName(userID); ok {
			out.UserName = name
		}
	}
	for _, s := range r.strategies {
		if group, ok := s.Resolve(userID, pc); ok && group != "" {
			out.Group = group
			out.Strategy = s.Name()
			return out
		}
	}
	return out
}

// GroupCache reads the directory's user -> logical group map.
type GroupCache struct {
	Dir Directory
}

func (GroupCache) Name() string { return config.StrategyGroupCache }

func (g GroupCache) Resolve(userID string, _ PolicyContext) (string, bool) {
	if g.Dir == nil {
		return "", false
	}
	return g.Dir.GroupForUser(userID)
}

// UserOverride is a manual user id -> group table.
type UserOverride struct {
	groups map[string]string
}

func NewUserOverride(groups map[string]string) UserOverride {
	m := make(map[string]string, len(groups))
	for id, g := range groups {
		if id = strings.TrimSpace(id); id != "" && strings.TrimSpace(g) != "" {
			m[id] = strings.TrimSpace(g)
		}
	}
	return UserOverride{groups: m}
}

func (UserOverride) Name() string { return config.StrategyUserOverride }

func (u UserOverride) Resolve(userID string, _ PolicyContext) (string, bool) {
	g, ok := u.groups[userID]
	return g, ok
}

// Policy maps an access policy name to a group. The controller leaves the
// policy fields empty on most firmware, so this usually resolves nothing.
type Policy struct {
	groups map[string]string
}

func NewPolicy(groups map[string]string) Policy {
	m := make(map[string]string, len(groups))
	for name, g := range groups {
		if k := strings.ToLower(strings.TrimSpace(name)); k != "" && strings.TrimSpace(g) != "" {
			m[k] = strings.TrimSpace(g)
		}
	}
	return Policy{groups: m}
}

func (Policy) Name() string { return config.StrategyPolicy }

func (p Policy) Resolve(_ string, pc PolicyContext) (string, bool) {
	if len(p.groups) == 0 {
		return "", false
	}
	for _, k := range []string{pc.PolicyName, pc.PolicyID} {
		if g, ok := p.groups[strings.ToLower(strings.TrimSpace(k))]; ok {
			return g, true
		}
	}
	return "", false
}
