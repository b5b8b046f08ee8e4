package model

import (
	"fmt"
	"strings"
)

// Category identifies one group of network components that is staged into a
// solver session at once.
type Category string

const (
	CategoryGenerators   Category = "generators"
	CategoryLines        Category = "lines"
	CategoryTransformers Category = "transformers"
	CategoryShunts       Category = "shunts"
	CategoryLoads        Category = "loads"
)

// DefaultStageOrder is the order in which categories are added to a session.
// Generators come first because they establish the voltage reference.
var DefaultStageOrder = []Category{
	CategoryGenerators,
	CategoryLines,
	CategoryTransformers,
	CategoryShunts,
	CategoryLoads,
}

// ElementClass maps each category to the class prefix used in element names
// ("Load.L1", "Line.12_34").
var ElementClass = map[Category]string{
	CategoryGenerators:   "Generator",
	CategoryLines:        "Line",
	CategoryTransformers: "Transformer",
	CategoryShunts:       "Capacitor",
	CategoryLoads:        "Load",
}

// ParseCategory converts a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DefaultStageOrder {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown component category %q", s)
}

// Component is a single network element record.
type Component interface {
	// FullName is the class-qualified element name, e.g. "Load.L1".
	FullName() string
	Category() Category
}

type Bus struct {
	Name   string  `json:"name"`
	BaseKV float64 `json:"base_kv"`
}

// Generator is a voltage-controlled source. A positive Vpu makes its bus a
// PV bus; zero Vpu makes it a fixed PQ injection.
type Generator struct {
	Name    string  `json:"name"`
	Bus     string  `json:"bus"`
	KV      float64 `json:"kv"`
	KW      float64 `json:"kw"`
	Kvar    float64 `json:"kvar"`
	Vpu     float64 `json:"vpu"`
	MaxKvar float64 `json:"max_kvar"`
	MinKvar float64 `json:"min_kvar"`
}

func (g Generator) FullName() string   { return "Generator." + g.Name }
func (g Generator) Category() Category { return CategoryGenerators }

// Line is a π-model branch. Impedances are totals for the whole length.
type Line struct {
	Name    string  `json:"name"`
	Bus1    string  `json:"bus1"`
	Bus2    string  `json:"bus2"`
	ROhm    float64 `json:"r_ohm"`
	XOhm    float64 `json:"x_ohm"`
	BMicroS float64 `json:"b_us"` // total shunt susceptance
}

func (l Line) FullName() string   { return "Line." + l.Name }
func (l Line) Category() Category { return CategoryLines }

// Transformer is a two-winding transformer. XPercent and RPercent are on the
// transformer's own kVA base; Tap is the off-nominal ratio on winding 1.
type Transformer struct {
	Name     string  `json:"name"`
	Bus1     string  `json:"bus1"`
	Bus2     string  `json:"bus2"`
	KV1      float64 `json:"kv1"`
	KV2      float64 `json:"kv2"`
	KVA      float64 `json:"kva"`
	XPercent float64 `json:"x_percent"`
	RPercent float64 `json:"r_percent"`
	Tap      float64 `json:"tap"`
}

func (t Transformer) FullName() string   { return "Transformer." + t.Name }
func (t Transformer) Category() Category { return CategoryTransformers }

// Shunt is a fixed bus shunt. Positive Kvar injects reactive power
// (capacitor), negative Kvar absorbs it (reactor).
type Shunt struct {
	Name string  `json:"name"`
	Bus  string  `json:"bus"`
	KV   float64 `json:"kv"`
	Kvar float64 `json:"kvar"`
}

func (s Shunt) FullName() string   { return "Capacitor." + s.Name }
func (s Shunt) Category() Category { return CategoryShunts }

type Load struct {
	Name string  `json:"name"`
	Bus  string  `json:"bus"`
	KV   float64 `json:"kv"`
	KW   float64 `json:"kw"`
	Kvar float64 `json:"kvar"`
}

func (l Load) FullName() string   { return "Load." + l.Name }
func (l Load) Category() Category { return CategoryLoads }

// LoadRecord holds the nominal demand of one load as it was when the run
// started. Scaling is always computed from these values.
type LoadRecord struct {
	Name         string
	OriginalKW   float64
	OriginalKvar float64
}

// Element is the class-qualified element name used for property writes.
func (r LoadRecord) Element() string { return "Load." + r.Name }

// NetworkModel is the static description of a network. The source bus holds
// the slack (swing) voltage source.
type NetworkModel struct {
	Name          string        `json:"name"`
	BaseKV        float64       `json:"base_kv"`
	BaseFrequency float64       `json:"base_frequency"`
	SourceBus     string        `json:"source_bus"`
	SourcePU      float64       `json:"source_pu"`
	Buses         []Bus         `json:"buses"`
	Generators    []Generator   `json:"generators"`
	Lines         []Line        `json:"lines"`
	Transformers  []Transformer `json:"transformers"`
	Shunts        []Shunt       `json:"shunts"`
	Loads         []Load        `json:"loads"`
}

// Components returns the records of one category.
func (n *NetworkModel) Components(c Category) []Component {
	var out []Component
	switch c {
	case CategoryGenerators:
		for _, g := range n.Generators {
			out = append(out, g)
		}
	case CategoryLines:
		for _, l := range n.Lines {
			out = append(out, l)
		}
	case CategoryTransformers:
		for _, t := range n.Transformers {
			out = append(out, t)
		}
	case CategoryShunts:
		for _, s := range n.Shunts {
			out = append(out, s)
		}
	case CategoryLoads:
		for _, l := range n.Loads {
			out = append(out, l)
		}
	}
	return out
}

// LoadRecords snapshots the nominal demand of every load.
func (n *NetworkModel) LoadRecords() []LoadRecord {
	records := make([]LoadRecord, len(n.Loads))
	for i, l := range n.Loads {
		records[i] = LoadRecord{Name: l.Name, OriginalKW: l.KW, OriginalKvar: l.Kvar}
	}
	return records
}

// Bus returns the bus with the given name.
func (n *NetworkModel) Bus(name string) (Bus, bool) {
	for _, b := range n.Buses {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return Bus{}, false
}

// EnsureBus declares a bus if it is not already present. A zero baseKV falls
// back to the network base voltage.
func (n *NetworkModel) EnsureBus(name string, baseKV float64) {
	if name == "" {
		return
	}
	for i, b := range n.Buses {
		if strings.EqualFold(b.Name, name) {
			if b.BaseKV == 0 && baseKV > 0 {
				n.Buses[i].BaseKV = baseKV
			}
			return
		}
	}
	if baseKV <= 0 {
		baseKV = n.BaseKV
	}
	n.Buses = append(n.Buses, Bus{Name: name, BaseKV: baseKV})
}

// ComponentCount returns the total number of elements across all categories.
func (n *NetworkModel) ComponentCount() int {
	return len(n.Generators) + len(n.Lines) + len(n.Transformers) + len(n.Shunts) + len(n.Loads)
}

// Validate checks referential integrity of the model.
func (n *NetworkModel) Validate() error {
	if n.SourceBus == "" {
		return fmt.Errorf("network %q: no source bus", n.Name)
	}
	if _, ok := n.Bus(n.SourceBus); !ok {
		return fmt.Errorf("network %q: source bus %q not declared", n.Name, n.SourceBus)
	}
	for _, b := range n.Buses {
		if b.BaseKV <= 0 {
			return fmt.Errorf("bus %q: base voltage must be positive, got %g", b.Name, b.BaseKV)
		}
	}

	seen := make(map[string]bool)
	checkName := func(c Component) error {
		key := strings.ToLower(c.FullName())
		if seen[key] {
			return fmt.Errorf("duplicate element %s", c.FullName())
		}
		seen[key] = true
		return nil
	}
	checkBus := func(c Component, bus string) error {
		if _, ok := n.Bus(bus); !ok {
			return fmt.Errorf("%s: unknown bus %q", c.FullName(), bus)
		}
		return nil
	}

	for _, cat := range DefaultStageOrder {
		for _, c := range n.Components(cat) {
			if err := checkName(c); err != nil {
				return err
			}
			var err error
			switch v := c.(type) {
			case Generator:
				err = checkBus(c, v.Bus)
				if err == nil && v.KW < 0 {
					err = fmt.Errorf("%s: negative kW rating", c.FullName())
				}
			case Line:
				if err = checkBus(c, v.Bus1); err == nil {
					err = checkBus(c, v.Bus2)
				}
				if err == nil && v.ROhm == 0 && v.XOhm == 0 {
					err = fmt.Errorf("%s: zero impedance", c.FullName())
				}
			case Transformer:
				if err = checkBus(c, v.Bus1); err == nil {
					err = checkBus(c, v.Bus2)
				}
				if err == nil && (v.KVA <= 0 || v.XPercent <= 0) {
					err = fmt.Errorf("%s: kVA and %%X must be positive", c.FullName())
				}
			case Shunt:
				err = checkBus(c, v.Bus)
			case Load:
				err = checkBus(c, v.Bus)
				if err == nil && (v.KW < 0 || v.Kvar < 0) {
					err = fmt.Errorf("%s: negative demand", c.FullName())
				}
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
