package selection_test

import (
	"math/rand"
	"testing"

	"fieldline/internal/domain"
	"fieldline/internal/selection"
)

func sel(system, category, subcategory, activity string) domain.ActivitySelection {
	return domain.ActivitySelection{System: system, Category: category, Subcategory: subcategory, Activity: activity}
}

func assertNoDuplicates(t *testing.T, list []domain.ActivitySelection) {
	t.Helper()
	seen := map[domain.ActivitySelection]bool{}
	for _, s := range list {
		if seen[s] {
			t.Fatalf("duplicate tuple %+v", s)
		}
		seen[s] = true
	}
}

func TestToggleIdempotent(t *testing.T) {
	var list []domain.ActivitySelection
	pick := sel("RELAY", "Protection Relays", "Overcurrent", "Pickup")
	list = selection.Toggle(list, pick, true)
	list = selection.Toggle(list, pick, true)
	if len(list) != 1 {
		t.Fatalf("expected single entry after double toggle on, got %d", len(list))
	}
	list = selection.Toggle(list, pick, false)
	list = selection.Toggle(list, pick, false)
	if len(list) != 0 {
		t.Fatalf("expected empty after double toggle off, got %d", len(list))
	}
}

func TestToggleDoesNotMutateInput(t *testing.T) {
	base := []domain.ActivitySelection{sel("RELAY", "Protection Relays", "Overcurrent", "Pickup")}
	_ = selection.Toggle(base, sel("RELAY", "Protection Relays", "Overcurrent", "Timing"), true)
	if len(base) != 1 {
		t.Fatalf("input mutated")
	}
}

func TestSelectAllReplacesScope(t *testing.T) {
	list := []domain.ActivitySelection{
		sel("RELAY", "Protection Relays", "Overcurrent", "Pickup"),
		sel("RELAY", "Protection Relays", "Differential", "Slope Characteristic"),
		sel("TRAFO", "Power Transformers", "Windings", "Turns Ratio"),
	}
	list = selection.SelectAll(list, "RELAY", "Protection Relays", "Overcurrent", []string{"Timing", "Instantaneous Element"})
	assertNoDuplicates(t, list)
	var inScope []string
	for _, s := range list {
		if s.System == "RELAY" && s.Category == "Protection Relays" && s.Subcategory == "Overcurrent" {
			inScope = append(inScope, s.Activity)
		}
	}
	if len(inScope) != 2 || inScope[0] != "Timing" || inScope[1] != "Instantaneous Element" {
		t.Fatalf("scope not replaced, got %v", inScope)
	}
	// out-of-scope entries survive
	if got := len(list); got != 4 {
		t.Fatalf("expected 4 entries, got %d", got)
	}
}

func TestUnselectAllCategoryWide(t *testing.T) {
	list := []domain.ActivitySelection{
		sel("RELAY", "Protection Relays", "Overcurrent", "Pickup"),
		sel("RELAY", "Protection Relays", "Differential", "Slope Characteristic"),
		sel("RELAY", "Control Relays", "Auxiliary Relays", "Contact Operation"),
	}
	list = selection.UnselectAll(list, "RELAY", "Protection Relays", "")
	if len(list) != 1 || list[0].Category != "Control Relays" {
		t.Fatalf("category-wide unselect failed: %v", list)
	}
}

func TestUnselectThenSelectAllYieldsExactly(t *testing.T) {
	list := []domain.ActivitySelection{
		sel("RELAY", "Protection Relays", "Overcurrent", "Pickup"),
		sel("RELAY", "Protection Relays", "Overcurrent", "Timing"),
		sel("RELAY", "Protection Relays", "Differential", "Minimum Pickup"),
	}
	list = selection.UnselectAll(list, "RELAY", "Protection Relays", "")
	list = selection.SelectAll(list, "RELAY", "Protection Relays", "Overcurrent", []string{"Directional Element"})
	var scoped []domain.ActivitySelection
	for _, s := range list {
		if s.System == "RELAY" && s.Category == "Protection Relays" {
			scoped = append(scoped, s)
		}
	}
	if len(scoped) != 1 || scoped[0].Activity != "Directional Element" {
		t.Fatalf("expected exactly the new set, got %v", scoped)
	}
}

func TestUnselectSystemClearsAll(t *testing.T) {
	list := []domain.ActivitySelection{
		sel("RELAY", "Protection Relays", "Overcurrent", "Pickup"),
		sel("RELAY", "Control Relays", "Lockout Relays", "Operation Time"),
		sel("TRAFO", "Power Transformers", "Windings", "Turns Ratio"),
	}
	list = selection.UnselectSystem(list, "RELAY")
	if len(list) != 1 || list[0].System != "TRAFO" {
		t.Fatalf("system unselect failed: %v", list)
	}
}

func TestRandomSequenceNeverDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pool := []domain.ActivitySelection{
		sel("RELAY", "Protection Relays", "Overcurrent", "Pickup"),
		sel("RELAY", "Protection Relays", "Overcurrent", "Timing"),
		sel("RELAY", "Protection Relays", "Differential", "Slope Characteristic"),
		sel("MV SWGR", "Circuit Breakers", "Vacuum CB", "Contact Resistance"),
		sel("MV SWGR", "Circuit Breakers", "SF6 CB", "Contact Resistance"),
	}
	var list []domain.ActivitySelection
	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			list = selection.Toggle(list, pool[rng.Intn(len(pool))], rng.Intn(2) == 0)
		case 1:
			p := pool[rng.Intn(len(pool))]
			list = selection.SelectAll(list, p.System, p.Category, p.Subcategory, []string{p.Activity})
		case 2:
			p := pool[rng.Intn(len(pool))]
			list = selection.UnselectAll(list, p.System, p.Category, "")
		}
		assertNoDuplicates(t, list)
	}
}

func TestGroupBySubcategory(t *testing.T) {
	list := []domain.ActivitySelection{
		sel("RELAY", "Protection Relays", "Overcurrent", "Pickup"),
		sel("RELAY", "Protection Relays", "Overcurrent", "Timing"),
		sel("RELAY", "Protection Relays", "Differential", "Slope Characteristic"),
	}
	groups := selection.GroupBySubcategory(list)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Subcategory != "Overcurrent" || groups[1].Subcategory != "Differential" {
		t.Fatalf("first-appearance order not preserved: %+v", groups)
	}
	if len(groups[0].Activities) != 2 || len(groups[1].Activities) != 1 {
		t.Fatalf("activities not collected: %+v", groups)
	}
}

func TestGroupCountOrderIndependent(t *testing.T) {
	list := []domain.ActivitySelection{
		sel("RELAY", "Protection Relays", "Overcurrent", "Pickup"),
		sel("TRAFO", "Power Transformers", "Windings", "Turns Ratio"),
		sel("RELAY", "Protection Relays", "Overcurrent", "Timing"),
		sel("RELAY", "Protection Relays", "Differential", "Minimum Pickup"),
		sel("TRAFO", "Power Transformers", "Windings", "Winding Resistance"),
	}
	want := len(selection.GroupBySubcategory(list))
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 20; i++ {
		shuffled := make([]domain.ActivitySelection, len(list))
		copy(shuffled, list)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := len(selection.GroupBySubcategory(shuffled)); got != want {
			t.Fatalf("group count changed with order: want %d got %d", want, got)
		}
	}
}

func TestGroupKeyShape(t *testing.T) {
	g := selection.Group{System: "RMU", Category: "Ring Main Units", Subcategory: "Earth Switch"}
	if g.Key() != "RMU|Ring Main Units|Earth Switch" {
		t.Fatalf("unexpected key %q", g.Key())
	}
}
