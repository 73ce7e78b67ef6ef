package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/bondchange/core"
	"github.com/signalsfoundry/bondchange/model"
)

const chainYAML = `
system:
  atom_types: 2
  bond_types: 2
  masses: {1: 12.0, 2: 1.0}
  charges: true
groups: [backbone]
atoms:
  - {tag: 1, type: 1, position: [0, 0, 0], groups: [backbone]}
  - {tag: 2, type: 1, position: [1, 0, 0], velocity: [0, 1, 0], groups: [backbone]}
  - {tag: 3, type: 1, position: [2.5, 0, 0], groups: [backbone]}
  - {tag: 4, type: 2, charge: -0.5, position: [1, 1, 0]}
bonds:
  - {type: 1, atoms: [1, 2]}
  - {type: 1, atoms: [2, 3]}
  - {type: 2, atoms: [2, 4]}
angles:
  - {type: 1, atoms: [1, 2, 3]}
dihedrals: []
fix:
  group: backbone
  rule: 10 bond 1 distance >= 1.2 -> bond break
run:
  steps: 100
  dt: 0.01
  ranks: 2
  transport: grpc
  tick: 5ms
`

func TestParse_ChainScenario(t *testing.T) {
	s, err := Parse(strings.NewReader(chainYAML))
	require.NoError(t, err)

	require.True(t, *s.System.NewtonBond, "newton_bond defaults on")
	require.Equal(t, 24, s.System.MaxSpecial)
	require.Equal(t, 2, s.Run.GhostHops)
	require.Equal(t, "accelerated", s.Run.Mode)
	tick, err := s.Run.TickDuration()
	require.NoError(t, err)
	require.Equal(t, 5*time.Millisecond, tick)

	sys, rule, err := s.Build()
	require.NoError(t, err)
	require.Len(t, sys.Atoms, 4)
	require.Equal(t, int64(3), sys.Counts.Bonds)
	require.Equal(t, int64(1), sys.Counts.Angles)
	require.True(t, sys.HasCharge)
	require.Equal(t, 12.0, sys.Masses[1])
	require.Equal(t, model.Vec3{Y: 1}, sys.Atom(2).Velocity)
	require.Equal(t, -0.5, sys.Atom(4).Charge)

	backbone := model.GroupAll | 1<<1
	require.Equal(t, backbone, sys.Atom(1).Groups)
	require.Equal(t, model.GroupAll, sys.Atom(4).Groups)

	require.Equal(t, core.BondedPairRule, rule.Kind)
	require.Equal(t, int64(10), rule.Every)
	require.Equal(t, backbone, rule.Group)
	require.Equal(t, core.PrioritizeLong, rule.Pair.Policy())
}

func TestParse_Tracing(t *testing.T) {
	s, err := Parse(strings.NewReader(chainYAML))
	require.NoError(t, err)
	require.False(t, s.Tracing.Enabled)
	require.Equal(t, "stdout", s.Tracing.Exporter)
	require.Equal(t, 1.0, s.Tracing.Ratio())

	doc := chainYAML + "tracing:\n  enabled: true\n  exporter: otlp\n  sample_ratio: 0\n"
	s, err = Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.True(t, s.Tracing.Enabled)
	require.Equal(t, "localhost:4317", s.Tracing.Endpoint)
	require.Zero(t, s.Tracing.Ratio())
}

func TestParse_RuleAsList(t *testing.T) {
	doc := strings.Replace(chainYAML, "rule: 10 bond 1 distance >= 1.2 -> bond break",
		`rule: ["1", "atom", "2", "->", "atom", "1"]`, 1)
	s, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	rule, err := s.BuildRule()
	require.NoError(t, err)
	require.Equal(t, core.IndividualAtomRule, rule.Kind)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]struct{ old, new string }{
		"unknown key":         {"charges: true", "charges: true\n  colour: red"},
		"bad transport":       {"transport: grpc", "transport: mpi"},
		"atom type too large": {"{tag: 4, type: 2", "{tag: 4, type: 3"},
		"bond type too large": {"{type: 2, atoms: [2, 4]}", "{type: 3, atoms: [2, 4]}"},
		"unknown atom group":  {"velocity: [0, 1, 0], groups: [backbone]", "groups: [sidechain]"},
		"unknown fix group":   {"group: backbone", "group: solvent"},
		"zero tag":            {"{tag: 1,", "{tag: 0,"},
		"negative mass":       {"2: 1.0}", "2: -1.0}"},
		"bad rule":            {"-> bond break", "-> bond explode"},
		"missing bond atom":   {"atoms: [2, 4]", "atoms: [2, 9]"},
		"duplicate tag":       {"{tag: 3,", "{tag: 2,"},
		"bad tick":            {"tick: 5ms", "tick: soon"},
		"ranks out of range":  {"ranks: 2", "ranks: 100"},
		"bad exporter":        {"tick: 5ms", "tick: 5ms\ntracing: {enabled: true, exporter: jaeger}"},
		"ratio above one":     {"tick: 5ms", "tick: 5ms\ntracing: {enabled: true, sample_ratio: 1.5}"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			doc := strings.Replace(chainYAML, tc.old, tc.new, 1)
			require.NotEqual(t, chainYAML, doc, "replacement did not apply")
			s, err := Parse(strings.NewReader(doc))
			if err == nil {
				_, _, err = s.Build()
			}
			require.ErrorIs(t, err, ErrInvalidScenario)
		})
	}
}

func TestBuildRule_KeepsRuleError(t *testing.T) {
	doc := strings.Replace(chainYAML, "-> bond break", "-> bond 7", 1)
	s, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	_, err = s.BuildRule()
	require.ErrorIs(t, err, ErrInvalidScenario)
	require.ErrorIs(t, err, core.ErrInvalidRule)
}

func TestParse_EmptyDocument(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.ErrorIs(t, err, ErrInvalidScenario)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(chainYAML), 0o600))
	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(100), s.Run.Steps)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestExampleScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "examples", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := Load(path)
			require.NoError(t, err)
			_, _, err = s.Build()
			require.NoError(t, err)
		})
	}
}
