// Package selection implements the pure reducer operations over a project's
// activity checklist and the grouping used for task generation. Functions
// never mutate their input slice.
package selection

import (
	"strings"

	"fieldline/internal/domain"
)

// Toggle appends the tuple when checked and it is absent, removes the exact
// tuple when unchecked. Applying the same toggle twice is a no-op after the
// first application.
func Toggle(list []domain.ActivitySelection, sel domain.ActivitySelection, checked bool) []domain.ActivitySelection {
	if checked {
		for _, s := range list {
			if s == sel {
				return clone(list)
			}
		}
		out := clone(list)
		return append(out, sel)
	}
	out := make([]domain.ActivitySelection, 0, len(list))
	for _, s := range list {
		if s != sel {
			out = append(out, s)
		}
	}
	return out
}

// SelectAll replaces the scope (system+category, narrowed to subcategory when
// non-empty) with the provided activities. Replace, not merge: prior entries
// in scope are dropped first.
func SelectAll(list []domain.ActivitySelection, system, category, subcategory string, activities []string) []domain.ActivitySelection {
	out := UnselectAll(list, system, category, subcategory)
	for _, a := range activities {
		sel := domain.ActivitySelection{System: system, Category: category, Subcategory: subcategory, Activity: a}
		out = Toggle(out, sel, true)
	}
	return out
}

// UnselectAll removes every entry in scope: the whole category when
// subcategory is empty, the one subcategory otherwise.
func UnselectAll(list []domain.ActivitySelection, system, category, subcategory string) []domain.ActivitySelection {
	out := make([]domain.ActivitySelection, 0, len(list))
	for _, s := range list {
		if s.System == system && s.Category == category && (subcategory == "" || s.Subcategory == subcategory) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// UnselectSystem clears every selection under a system. Used when the user
// deselects a system type entirely.
func UnselectSystem(list []domain.ActivitySelection, system string) []domain.ActivitySelection {
	out := make([]domain.ActivitySelection, 0, len(list))
	for _, s := range list {
		if s.System != system {
			out = append(out, s)
		}
	}
	return out
}

// Group is one (system, category, subcategory) bucket of selections.
type Group struct {
	System      string
	Category    string
	Subcategory string
	Activities  []string
}

// Key is the composite reconciliation key for the group.
func (g Group) Key() string {
	return GroupKey(g.System, g.Category, g.Subcategory)
}

// GroupKey builds the composite key "system|category|subcategory".
func GroupKey(system, category, subcategory string) string {
	return strings.Join([]string{system, category, subcategory}, "|")
}

// GroupBySubcategory buckets selections by (system, category, subcategory).
// Group order follows first appearance in the input; activities keep input
// order within each group.
func GroupBySubcategory(list []domain.ActivitySelection) []Group {
	index := map[string]int{}
	var groups []Group
	for _, s := range list {
		key := GroupKey(s.System, s.Category, s.Subcategory)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{System: s.System, Category: s.Category, Subcategory: s.Subcategory})
		}
		groups[i].Activities = append(groups[i].Activities, s.Activity)
	}
	return groups
}

func clone(list []domain.ActivitySelection) []domain.ActivitySelection {
	out := make([]domain.ActivitySelection, len(list))
	copy(out, list)
	return out
}
