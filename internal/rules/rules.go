// Package rules builds the (group, trigger) -> doors table from configuration
// and answers which doors an event should open.
package rules

import (
	"sort"
	"strings"
	"time"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

// Build accepts both configuration forms. Array rules come first, followed by
// one synthesized entry per legacy group (sorted by group name) using the
// single legacy trigger location.
func Build(cfg config.RuleSetConfig) []model.RuleEntry {
	out := make([]model.RuleEntry, 0, len(cfg.Rules)+len(cfg.Groups))
	for _, r := range cfg.Rules {
		entry := model.RuleEntry{
			Group:   strings.TrimSpace(r.Group),
			Trigger: strings.TrimSpace(r.Trigger),
			Unlock:  dedupe(r.Unlock),
		}
		if r.Delay > 0 {
			entry.Delay = time.Duration(r.Delay * float64(time.Second))
		}
		if entry.Group == "" || entry.Trigger == "" || len(entry.Unlock) == 0 {
			continue
		}
		out = append(out, entry)
	}
	trigger := strings.TrimSpace(cfg.TriggerLocation)
	if trigger == "" {
		return out
	}
	groups := make([]string, 0, len(cfg.Groups))
	for g := range cfg.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		doors := dedupe(cfg.Groups[g].Unlock)
		if strings.TrimSpace(g) == "" || len(doors) == 0 {
			continue
		}
		out = append(out, model.RuleEntry{Group: strings.TrimSpace(g), Trigger: trigger, Unlock: doors})
	}
	return out
}

// Match returns every entry whose group and trigger equal group and location
// after trimming and case folding. Declaration order is preserved.
func Match(entries []model.RuleEntry, group, location string) []model.RuleEntry {
	g, loc := key(group), key(location)
	if g == "" || loc == "" {
		return nil
	}
	var out []model.RuleEntry
	for _, e := range entries {
		if key(e.Group) == g && key(e.Trigger) == loc {
			out = append(out, e)
		}
	}
	return out
}

// Union merges the unlock lists of entries in first-seen order.
func Union(entries []model.RuleEntry) []string {
	var all []string
	for _, e := range entries {
		all = append(all, e.Unlock...)
	}
	return dedupe(all)
}

// Action is what a table lookup decided.
type Action struct {
	Doors []string
	// Delay comes from the first matched entry and applies to every door.
	Delay   time.Duration
	Matched int
	Default bool
}

func (a Action) Empty() bool {
	return len(a.Doors) == 0
}

// Table is immutable after New.
type Table struct {
	entries  []model.RuleEntry
	defaults []string
}

func New(cfg config.RuleSetConfig) *Table {
	return &Table{entries: Build(cfg), defaults: dedupe(cfg.Default.Unlock)}
}

func (t *Table) Entries() []model.RuleEntry {
	out := make([]model.RuleEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) Defaults() []string {
	return append([]string(nil), t.defaults...)
}

// Lookup matches (group, location) and falls back to the default doors when
// no entry matches. An empty group still gets the default.
func (t *Table) Lookup(group, location string) Action {
	if t == nil {
		return Action{}
	}
	matched := Match(t.entries, group, location)
	if len(matched) == 0 {
		if len(t.defaults) == 0 {
			return Action{}
		}
		return Action{Doors: append([]string(nil), t.defaults...), Default: true}
	}
	return Action{Doors: Union(matched), Delay: matched[0].Delay, Matched: len(matched)}
}

func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// dedupe trims names, drops blanks and removes case-insensitive repeats.
func dedupe(doors []string) []string {
	if len(doors) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(doors))
	out := make([]string, 0, len(doors))
	for _, d := range doors {
		d = strings.TrimSpace(d)
		k := strings.ToLower(d)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
