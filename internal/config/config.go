// Package config loads YAML scenario files: the particle system, its
// topology, the bond-change rule and the run settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/bondchange/core"
	"github.com/signalsfoundry/bondchange/model"
)

// ErrInvalidScenario wraps every problem found while loading a scenario.
var ErrInvalidScenario = errors.New("invalid scenario")

// maxGroups is the number of named groups that fit next to "all" in a mask.
const maxGroups = 31

var validate = validator.New(validator.WithRequiredStructEnabled())

// Scenario is the top-level YAML document.
type Scenario struct {
	System    System     `yaml:"system" validate:"required"`
	Groups    []string   `yaml:"groups" validate:"max=31,unique,dive,required,ne=all"`
	Atoms     []Atom     `yaml:"atoms" validate:"required,min=1,dive"`
	Bonds     []Bond     `yaml:"bonds" validate:"dive"`
	Angles    []Angle    `yaml:"angles" validate:"dive"`
	Dihedrals []Dihedral `yaml:"dihedrals" validate:"dive"`
	Impropers []Dihedral `yaml:"impropers" validate:"dive"`
	Fix       Fix        `yaml:"fix" validate:"required"`
	Run       Run        `yaml:"run"`
	Tracing   Tracing    `yaml:"tracing"`
}

// System holds the global settings of the particle system.
type System struct {
	AtomTypes  int             `yaml:"atom_types" validate:"gte=1"`
	BondTypes  int             `yaml:"bond_types" validate:"gte=1"`
	Masses     map[int]float64 `yaml:"masses" validate:"dive,keys,gte=1,endkeys,gt=0"`
	Charges    bool            `yaml:"charges"`
	NewtonBond *bool           `yaml:"newton_bond"`
	MaxSpecial int             `yaml:"max_special" validate:"gte=0"`
}

// Atom is one particle.
type Atom struct {
	Tag      int64      `yaml:"tag" validate:"gte=1"`
	Type     int        `yaml:"type" validate:"gte=1"`
	Charge   float64    `yaml:"charge"`
	Position [3]float64 `yaml:"position"`
	Velocity [3]float64 `yaml:"velocity"`
	Groups   []string   `yaml:"groups" validate:"dive,required"`
}

// Bond joins two atoms.
type Bond struct {
	Type  int      `yaml:"type" validate:"gte=1"`
	Atoms [2]int64 `yaml:"atoms"`
}

// Angle is an i-j-k term centred on j.
type Angle struct {
	Type  int      `yaml:"type" validate:"gte=1"`
	Atoms [3]int64 `yaml:"atoms"`
}

// Dihedral is a four-atom term; impropers share the shape.
type Dihedral struct {
	Type  int      `yaml:"type" validate:"gte=1"`
	Atoms [4]int64 `yaml:"atoms"`
}

// Fix selects the group the rule applies to and the rule itself.
type Fix struct {
	Group string   `yaml:"group"`
	Rule  RuleArgs `yaml:"rule" validate:"required,min=1"`
}

// RuleArgs is the keyword form of a rule. YAML may give it as one string
// or as a list of words.
type RuleArgs []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *RuleArgs) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*r = strings.Fields(value.Value)
		return nil
	case yaml.SequenceNode:
		var words []string
		if err := value.Decode(&words); err != nil {
			return err
		}
		*r = words
		return nil
	}
	return fmt.Errorf("line %d: rule must be a string or a list", value.Line)
}

// Run holds the driver settings.
type Run struct {
	Steps           int64   `yaml:"steps" validate:"gte=0"`
	Dt              float64 `yaml:"dt" validate:"gte=0"`
	Ranks           int     `yaml:"ranks" validate:"gte=1,lte=64"`
	GhostHops       int     `yaml:"ghost_hops" validate:"gte=1"`
	ReneighborEvery int64   `yaml:"reneighbor_every" validate:"gte=0"`
	Transport       string  `yaml:"transport" validate:"oneof=mem grpc nng"`
	Compress        bool    `yaml:"compress"`
	Mode            string  `yaml:"mode" validate:"oneof=accelerated realtime"`
	Tick            string  `yaml:"tick"`
}

// TickDuration parses Tick. An empty tick is zero.
func (r Run) TickDuration() (time.Duration, error) {
	if r.Tick == "" {
		return 0, nil
	}
	return time.ParseDuration(r.Tick)
}

// Tracing selects where a run's spans go. SampleRatio defaults to 1.
type Tracing struct {
	Enabled     bool     `yaml:"enabled"`
	Exporter    string   `yaml:"exporter" validate:"oneof=stdout otlp"`
	Endpoint    string   `yaml:"endpoint" validate:"omitempty,hostname_port"`
	SampleRatio *float64 `yaml:"sample_ratio" validate:"omitempty,gte=0,lte=1"`
}

// Ratio is the sampling ratio with the default applied.
func (t Tracing) Ratio() float64 {
	if t.SampleRatio == nil {
		return 1
	}
	return *t.SampleRatio
}

// Load reads and validates the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a scenario. Unknown keys are rejected.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidScenario)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) applyDefaults() {
	if s.System.NewtonBond == nil {
		on := true
		s.System.NewtonBond = &on
	}
	if s.System.MaxSpecial == 0 {
		s.System.MaxSpecial = 24
	}
	if s.Fix.Group == "" {
		s.Fix.Group = "all"
	}
	if s.Run.Ranks == 0 {
		s.Run.Ranks = 1
	}
	if s.Run.GhostHops == 0 {
		s.Run.GhostHops = 2
	}
	if s.Run.Transport == "" {
		s.Run.Transport = "mem"
	}
	if s.Run.Mode == "" {
		s.Run.Mode = "accelerated"
	}
	if s.Tracing.Exporter == "" {
		s.Tracing.Exporter = "stdout"
	}
	if s.Tracing.Exporter == "otlp" && s.Tracing.Endpoint == "" {
		s.Tracing.Endpoint = "localhost:4317"
	}
}

// Validate checks struct constraints and cross references that do not need
// the system to be built.
func (s *Scenario) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidScenario, formatValidationError(err))
	}
	if _, err := s.Run.TickDuration(); err != nil {
		return fmt.Errorf("%w: run.tick: %w", ErrInvalidScenario, err)
	}
	if _, err := s.groupMask(s.Fix.Group); err != nil {
		return fmt.Errorf("%w: fix: %w", ErrInvalidScenario, err)
	}
	for i, a := range s.Atoms {
		if a.Type > s.System.AtomTypes {
			return fmt.Errorf("%w: atoms[%d]: type %d exceeds atom_types %d", ErrInvalidScenario, i, a.Type, s.System.AtomTypes)
		}
		if _, err := s.groupMask(a.Groups...); err != nil {
			return fmt.Errorf("%w: atoms[%d]: %w", ErrInvalidScenario, i, err)
		}
	}
	for typ := range s.System.Masses {
		if typ > s.System.AtomTypes {
			return fmt.Errorf("%w: mass given for type %d beyond atom_types %d", ErrInvalidScenario, typ, s.System.AtomTypes)
		}
	}
	for i, b := range s.Bonds {
		if b.Type > s.System.BondTypes {
			return fmt.Errorf("%w: bonds[%d]: type %d exceeds bond_types %d", ErrInvalidScenario, i, b.Type, s.System.BondTypes)
		}
	}
	return nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Scenario.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// groupMask maps group names to a bit mask. "all" is bit 0 and every atom
// carries it; named groups take the following bits in declaration order.
func (s *Scenario) groupMask(names ...string) (uint32, error) {
	mask := model.GroupAll
	for _, name := range names {
		if name == "all" {
			continue
		}
		bit := -1
		for i, g := range s.Groups {
			if g == name {
				bit = i + 1
				break
			}
		}
		if bit < 0 || bit > maxGroups {
			return 0, fmt.Errorf("unknown group %q", name)
		}
		mask |= 1 << bit
	}
	return mask, nil
}

// BuildSystem creates the global particle system with all topology terms.
func (s *Scenario) BuildSystem() (*model.System, error) {
	sys := model.NewSystem(s.System.AtomTypes, s.System.BondTypes, *s.System.NewtonBond)
	sys.HasCharge = s.System.Charges
	sys.MaxSpecial = s.System.MaxSpecial
	for typ, m := range s.System.Masses {
		sys.Masses[typ] = m
	}
	for i, a := range s.Atoms {
		mask, err := s.groupMask(a.Groups...)
		if err != nil {
			return nil, fmt.Errorf("%w: atoms[%d]: %w", ErrInvalidScenario, i, err)
		}
		atom := model.Atom{
			Tag:      model.Tag(a.Tag),
			Type:     a.Type,
			Charge:   a.Charge,
			Position: vec(a.Position),
			Velocity: vec(a.Velocity),
			Groups:   mask,
		}
		if err := sys.AddAtom(atom); err != nil {
			return nil, fmt.Errorf("%w: atoms[%d]: %w", ErrInvalidScenario, i, err)
		}
	}
	for i, b := range s.Bonds {
		if err := sys.AddBond(b.Type, model.Tag(b.Atoms[0]), model.Tag(b.Atoms[1])); err != nil {
			return nil, fmt.Errorf("%w: bonds[%d]: %w", ErrInvalidScenario, i, err)
		}
	}
	for i, a := range s.Angles {
		if err := sys.AddAngle(a.Type, model.Tag(a.Atoms[0]), model.Tag(a.Atoms[1]), model.Tag(a.Atoms[2])); err != nil {
			return nil, fmt.Errorf("%w: angles[%d]: %w", ErrInvalidScenario, i, err)
		}
	}
	for i, d := range s.Dihedrals {
		t := tags4(d.Atoms)
		if err := sys.AddDihedral(d.Type, t[0], t[1], t[2], t[3]); err != nil {
			return nil, fmt.Errorf("%w: dihedrals[%d]: %w", ErrInvalidScenario, i, err)
		}
	}
	for i, d := range s.Impropers {
		t := tags4(d.Atoms)
		if err := sys.AddImproper(d.Type, t[0], t[1], t[2], t[3]); err != nil {
			return nil, fmt.Errorf("%w: impropers[%d]: %w", ErrInvalidScenario, i, err)
		}
	}
	return sys, nil
}

// BuildRule parses the fix rule and applies the fix group.
func (s *Scenario) BuildRule() (*core.Rule, error) {
	rule, err := core.ParseRule(s.Fix.Rule, core.Limits{NTypes: s.System.AtomTypes, NBondTypes: s.System.BondTypes})
	if err != nil {
		return nil, fmt.Errorf("%w: fix: %w", ErrInvalidScenario, err)
	}
	mask, err := s.groupMask(s.Fix.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: fix: %w", ErrInvalidScenario, err)
	}
	rule.Group = mask
	return rule, nil
}

// Build returns the system and rule together.
func (s *Scenario) Build() (*model.System, *core.Rule, error) {
	sys, err := s.BuildSystem()
	if err != nil {
		return nil, nil, err
	}
	rule, err := s.BuildRule()
	if err != nil {
		return nil, nil, err
	}
	return sys, rule, nil
}

func vec(v [3]float64) model.Vec3 { return model.Vec3{X: v[0], Y: v[1], Z: v[2]} }

func tags4(ids [4]int64) [4]model.Tag {
	return [4]model.Tag{model.Tag(ids[0]), model.Tag(ids[1]), model.Tag(ids[2]), model.Tag(ids[3])}
}
