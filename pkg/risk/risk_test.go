package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore_LowRiskBaseline(t *testing.T) {
	s := NewScorer(DefaultWeights())
	a := s.Score(Input{AdapterRiskClass: "low", Capabilities: []string{"llm"}})
	assert.Equal(t, 0, a.Score)
	assert.Equal(t, LevelLow, a.Level)
	assert.Empty(t, a.Breakdown, "zero-point factors are not reported")
}

func TestScore_AdapterBases(t *testing.T) {
	s := NewScorer(DefaultWeights())
	cases := map[string]int{"low": 0, "medium": 15, "high": 35, "critical": 60}
	for class, want := range cases {
		a := s.Score(Input{AdapterRiskClass: class})
		assert.Equal(t, want, a.Score, "risk class %s", class)
	}
}

func TestScore_CapabilityCountAboveAllowance(t *testing.T) {
	s := NewScorer(DefaultWeights())
	a := s.Score(Input{
		AdapterRiskClass: "low",
		Capabilities:     []string{"a", "b", "c", "d", "e"},
	})
	// 2 capabilities above 3, at 2 points each.
	assert.Equal(t, 4, a.Score)
}

func TestScore_ToolCountOverridesCapabilityCount(t *testing.T) {
	s := NewScorer(DefaultWeights())
	a := s.Score(Input{AdapterRiskClass: "low", Capabilities: []string{"llm"}, ToolCount: 6})
	assert.Equal(t, 6, a.Score)
}

func TestScore_HighImpactCapabilityScoresOnce(t *testing.T) {
	s := NewScorer(DefaultWeights())
	a := s.Score(Input{AdapterRiskClass: "low", Capabilities: []string{"shell.exec", "filesystem.write"}})
	assert.Equal(t, 10, a.Score, "one bump regardless of how many high-impact capabilities")
}

func TestScore_ContextAndProvenance(t *testing.T) {
	s := NewScorer(DefaultWeights())
	a := s.Score(Input{
		AdapterRiskClass:   "low",
		ExternalNetwork:    true,
		ElevatedPrivileges: true,
		ProvenanceSource:   "marketplace",
	})
	assert.Equal(t, 35, a.Score)
	assert.Equal(t, LevelMedium, a.Level)

	a = s.Score(Input{AdapterRiskClass: "low", ProvenanceSource: "unknown"})
	assert.Equal(t, 5, a.Score)
}

func TestScore_SkillStateAndSensitivity(t *testing.T) {
	s := NewScorer(DefaultWeights())

	a := s.Score(Input{AdapterRiskClass: "medium", SkillState: "untested", DataSensitivity: "secrets"})
	assert.Equal(t, 45, a.Score)

	// Pinned skills earn a discount.
	a = s.Score(Input{AdapterRiskClass: "medium", SkillState: "pinned"})
	assert.Equal(t, 10, a.Score)
}

func TestScore_Temperature(t *testing.T) {
	s := NewScorer(DefaultWeights())
	assert.Equal(t, 0, s.Score(Input{AdapterRiskClass: "low", Temperature: 1.0}).Score)
	assert.Equal(t, 5, s.Score(Input{AdapterRiskClass: "low", Temperature: 1.1}).Score)
}

func TestScore_ClipsAt100(t *testing.T) {
	s := NewScorer(DefaultWeights())
	a := s.Score(Input{
		AdapterRiskClass:   "critical",
		Capabilities:       []string{"shell.exec", "filesystem.write", "network.egress", "credentials.read", "x", "y"},
		SkillState:         "untested",
		Temperature:        2.0,
		DataSensitivity:    "secrets",
		ExternalNetwork:    true,
		ElevatedPrivileges: true,
		ProvenanceSource:   "marketplace",
	})
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, LevelCritical, a.Level)
}

func TestScore_NeverNegative(t *testing.T) {
	s := NewScorer(DefaultWeights())
	a := s.Score(Input{AdapterRiskClass: "low", SkillState: "pinned"})
	assert.Equal(t, 0, a.Score)
}

func TestLevelCutoffs(t *testing.T) {
	assert.Equal(t, LevelLow, levelFor(24))
	assert.Equal(t, LevelMedium, levelFor(25))
	assert.Equal(t, LevelMedium, levelFor(54))
	assert.Equal(t, LevelHigh, levelFor(55))
	assert.Equal(t, LevelHigh, levelFor(79))
	assert.Equal(t, LevelCritical, levelFor(80))
}

func TestScore_BreakdownSumsToScore(t *testing.T) {
	s := NewScorer(DefaultWeights())
	a := s.Score(Input{
		AdapterRiskClass: "high",
		Capabilities:     []string{"shell.exec", "a", "b", "c"},
		ExternalNetwork:  true,
	})
	sum := 0
	for _, f := range a.Breakdown {
		sum += f.Points
	}
	assert.Equal(t, a.Score, sum)
}
