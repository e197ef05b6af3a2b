// Package taxonomy holds the static test-activity catalog: system type ->
// equipment category -> subcategory -> leaf activities. The table is compiled
// in and never mutated at runtime; lookups on unknown keys return empty
// results and callers guard.
package taxonomy

import "fieldline/internal/domain"

type Subcategory struct {
	Name       string   `json:"name"`
	Activities []string `json:"activities"`
}

type Category struct {
	Item     string        `json:"item"`
	Subitems []Subcategory `json:"subitems"`
}

// systemOrder fixes the display order of system types.
var systemOrder = []string{
	"MV SWGR",
	"LV SWGR",
	"RELAY",
	"RMU",
	"TRAFO",
	"CABLE",
	"BATTERY",
}

var systemActivities = map[string][]Category{
	"MV SWGR": {
		{
			Item: "Circuit Breakers",
			Subitems: []Subcategory{
				{Name: "Vacuum CB", Activities: []string{
					"Contact Resistance", "Insulation Resistance", "Timing Open-Close", "Vacuum Integrity",
				}},
				{Name: "SF6 CB", Activities: []string{
					"Contact Resistance", "Insulation Resistance", "Timing Open-Close", "Gas Pressure and Purity",
				}},
			},
		},
		{
			Item: "Busbar Systems",
			Subitems: []Subcategory{
				{Name: "Main Busbar", Activities: []string{
					"Torque Verification", "Insulation Resistance", "Hi-Pot Withstand",
				}},
				{Name: "Riser Busbar", Activities: []string{
					"Torque Verification", "Insulation Resistance",
				}},
			},
		},
		{
			Item: "Instrument Transformers",
			Subitems: []Subcategory{
				{Name: "Current Transformers", Activities: []string{
					"Ratio Test", "Polarity Check", "Burden Measurement", "Excitation Curve",
				}},
				{Name: "Voltage Transformers", Activities: []string{
					"Ratio Test", "Polarity Check", "Insulation Resistance",
				}},
			},
		},
	},
	"LV SWGR": {
		{
			Item: "Air Circuit Breakers",
			Subitems: []Subcategory{
				{Name: "ACB", Activities: []string{
					"Contact Resistance", "Insulation Resistance", "Trip Unit Primary Injection",
				}},
				{Name: "MCCB", Activities: []string{
					"Insulation Resistance", "Trip Unit Secondary Injection",
				}},
			},
		},
		{
			Item: "Distribution Boards",
			Subitems: []Subcategory{
				{Name: "Panel Boards", Activities: []string{
					"Visual and Mechanical Inspection", "Torque Verification", "Insulation Resistance",
				}},
			},
		},
	},
	"RELAY": {
		{
			Item: "Protection Relays",
			Subitems: []Subcategory{
				{Name: "Overcurrent", Activities: []string{
					"Pickup", "Timing", "Instantaneous Element", "Directional Element",
				}},
				{Name: "Differential", Activities: []string{
					"Slope Characteristic", "Harmonic Restraint", "Minimum Pickup",
				}},
				{Name: "Distance", Activities: []string{
					"Zone Reach", "Zone Timing", "Power Swing Blocking",
				}},
			},
		},
		{
			Item: "Control Relays",
			Subitems: []Subcategory{
				{Name: "Auxiliary Relays", Activities: []string{
					"Pickup-Dropout Voltage", "Contact Operation",
				}},
				{Name: "Lockout Relays", Activities: []string{
					"Operation Time", "Contact Operation", "Target Verification",
				}},
			},
		},
	},
	"RMU": {
		{
			Item: "Ring Main Units",
			Subitems: []Subcategory{
				{Name: "Load Break Switch", Activities: []string{
					"Contact Resistance", "Timing", "Interlock Verification",
				}},
				{Name: "Fuse Switch", Activities: []string{
					"Fuse Continuity", "Striker Pin Operation",
				}},
				{Name: "Earth Switch", Activities: []string{
					"Interlock Verification", "Contact Resistance",
				}},
			},
		},
	},
	"TRAFO": {
		{
			Item: "Power Transformers",
			Subitems: []Subcategory{
				{Name: "Windings", Activities: []string{
					"Turns Ratio", "Winding Resistance", "Insulation Resistance", "Sweep Frequency Response",
				}},
				{Name: "Bushings", Activities: []string{
					"Tan Delta", "Capacitance Measurement",
				}},
				{Name: "Tap Changer", Activities: []string{
					"Dynamic Resistance", "Operation Through All Taps",
				}},
			},
		},
		{
			Item: "Oil Analysis",
			Subitems: []Subcategory{
				{Name: "Insulating Oil", Activities: []string{
					"Dielectric Breakdown", "Dissolved Gas Analysis", "Moisture Content",
				}},
			},
		},
	},
	"CABLE": {
		{
			Item: "MV Cables",
			Subitems: []Subcategory{
				{Name: "XLPE Feeders", Activities: []string{
					"Insulation Resistance", "VLF Withstand", "Sheath Integrity", "Phase Verification",
				}},
			},
		},
		{
			Item: "LV Cables",
			Subitems: []Subcategory{
				{Name: "Power Cables", Activities: []string{
					"Insulation Resistance", "Continuity", "Phase Verification",
				}},
				{Name: "Control Cables", Activities: []string{
					"Continuity", "Point-to-Point Verification",
				}},
			},
		},
	},
	"BATTERY": {
		{
			Item: "DC Systems",
			Subitems: []Subcategory{
				{Name: "Battery Banks", Activities: []string{
					"Capacity Discharge", "Cell Voltage Survey", "Intercell Resistance",
				}},
				{Name: "Chargers", Activities: []string{
					"Float Voltage", "Equalize Voltage", "Alarm Verification",
				}},
			},
		},
	},
}

// Systems returns all system types in display order.
func Systems() []string {
	out := make([]string, len(systemOrder))
	copy(out, systemOrder)
	return out
}

// IsSystem reports whether s is a known system type.
func IsSystem(s string) bool {
	_, ok := systemActivities[s]
	return ok
}

// Categories returns the ordered categories for a system, nil if unknown.
func Categories(system string) []Category {
	return systemActivities[system]
}

// Subcategories returns the subcategories under a system's category,
// nil if either key is unknown.
func Subcategories(system, category string) []Subcategory {
	for _, c := range systemActivities[system] {
		if c.Item == category {
			return c.Subitems
		}
	}
	return nil
}

// Activities returns the leaf activity names for a subcategory, nil if any
// key is unknown.
func Activities(system, category, subcategory string) []string {
	for _, sub := range Subcategories(system, category) {
		if sub.Name == subcategory {
			return sub.Activities
		}
	}
	return nil
}

// Contains reports whether the selection's full 4-tuple exists in the table.
func Contains(sel domain.ActivitySelection) bool {
	for _, a := range Activities(sel.System, sel.Category, sel.Subcategory) {
		if a == sel.Activity {
			return true
		}
	}
	return false
}
