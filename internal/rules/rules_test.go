package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

func TestBuildModernRules(t *testing.T) {
	entries := Build(config.RuleSetConfig{Rules: []config.RuleConfig{
		{Group: " office ", Trigger: "Front Door", Unlock: []string{"Suite 100", "suite 100", " "}},
		{Group: "office", Trigger: "Side Door", Unlock: []string{"Elevator"}, Delay: 1.5},
		{Group: "", Trigger: "Front Door", Unlock: []string{"Ignored"}},
	}})
	require.Len(t, entries, 2)
	assert.Equal(t, model.RuleEntry{Group: "office", Trigger: "Front Door", Unlock: []string{"Suite 100"}}, entries[0])
	assert.Equal(t, 1500*time.Millisecond, entries[1].Delay)
}

func TestBuildLegacyRules(t *testing.T) {
	entries := Build(config.RuleSetConfig{
		TriggerLocation: "Lobby",
		Groups: map[string]config.ActionConfig{
			"warehouse": {Unlock: []string{"Dock"}},
			"office":    {Unlock: []string{"Suite 100", "Elevator"}},
			"empty":     {},
		},
	})
	require.Len(t, entries, 2)
	assert.Equal(t, "office", entries[0].Group)
	assert.Equal(t, "Lobby", entries[0].Trigger)
	assert.Equal(t, []string{"Suite 100", "Elevator"}, entries[0].Unlock)
	assert.Equal(t, "warehouse", entries[1].Group)
}

func TestBuildLegacyAndModernEquivalent(t *testing.T) {
	legacy := Build(config.RuleSetConfig{
		TriggerLocation: "Front Door",
		Groups:          map[string]config.ActionConfig{"office": {Unlock: []string{"Suite 100"}}},
	})
	modern := Build(config.RuleSetConfig{Rules: []config.RuleConfig{
		{Group: "office", Trigger: "Front Door", Unlock: []string{"Suite 100"}},
	}})
	assert.Equal(t, modern, legacy)
}

func TestMatchIsExactCaseInsensitive(t *testing.T) {
	entries := []model.RuleEntry{
		{Group: "office", Trigger: "Front Door", Unlock: []string{"Suite 100"}},
	}
	assert.Len(t, Match(entries, "OFFICE", "  front door "), 1)
	assert.Empty(t, Match(entries, "office", "Front"))
	assert.Empty(t, Match(entries, "office", "Front Door 2"))
	assert.Empty(t, Match(entries, "offic", "Front Door"))
	assert.Empty(t, Match(entries, "", "Front Door"))
}

func TestLookupUnionsMatchingRules(t *testing.T) {
	rules := []config.RuleConfig{
		{Group: "office", Trigger: "Front Door", Unlock: []string{"Suite 100", "Elevator"}, Delay: 2},
		{Group: "office", Trigger: "Front Door", Unlock: []string{"Elevator", "Suite 200"}, Delay: 9},
	}
	table := New(config.RuleSetConfig{Rules: rules})
	action := table.Lookup("office", "Front Door")
	assert.Equal(t, []string{"Suite 100", "Elevator", "Suite 200"}, action.Doors)
	assert.Equal(t, 2*time.Second, action.Delay)
	assert.Equal(t, 2, action.Matched)
	assert.False(t, action.Default)

	// Declaration order changes nothing but the first-seen order.
	reversed := New(config.RuleSetConfig{Rules: []config.RuleConfig{rules[1], rules[0]}})
	assert.ElementsMatch(t, action.Doors, reversed.Lookup("office", "Front Door").Doors)
}

func TestLookupFallsBackToDefault(t *testing.T) {
	table := New(config.RuleSetConfig{
		Rules:   []config.RuleConfig{{Group: "office", Trigger: "Front Door", Unlock: []string{"Suite 100"}}},
		Default: config.ActionConfig{Unlock: []string{"Lobby Gate", "Lobby Gate"}},
	})
	action := table.Lookup("warehouse", "Front Door")
	assert.True(t, action.Default)
	assert.Equal(t, []string{"Lobby Gate"}, action.Doors)

	action = table.Lookup("", "Front Door")
	assert.True(t, action.Default)
	assert.Equal(t, []string{"Lobby Gate"}, action.Doors)
}

func TestLookupNoRulesNoDefault(t *testing.T) {
	table := New(config.RuleSetConfig{})
	assert.True(t, table.Lookup("office", "Front Door").Empty())

	var nilTable *Table
	assert.True(t, nilTable.Lookup("office", "Front Door").Empty())
}

func TestEntriesReturnsCopy(t *testing.T) {
	table := New(config.RuleSetConfig{Rules: []config.RuleConfig{
		{Group: "office", Trigger: "Front Door", Unlock: []string{"Suite 100"}},
	}})
	entries := table.Entries()
	entries[0].Group = "mutated"
	assert.Equal(t, "office", table.Entries()[0].Group)
}
