// Package risk scores execution requests on an additive 0–100 scale. The
// score ships with its per-factor breakdown so operators can audit exactly
// which inputs pushed a request over a threshold.
package risk

// Level buckets a score. Cutoffs: <25 low, <55 medium, <80 high, else critical.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Input is everything the scorer looks at. Optional fields left zero
// contribute nothing.
type Input struct {
	AdapterRiskClass   string   // low | medium | high | critical
	Capabilities       []string // requested capabilities
	ToolCount          int      // 0 means derive from len(Capabilities)
	SkillState         string   // untested | tested | pinned
	Temperature        float64
	DataSensitivity    string // "" | pii | secrets
	ExternalNetwork    bool
	ElevatedPrivileges bool
	ProvenanceSource   string // "" | marketplace | unknown | ...
}

// Weights are the tunable scoring constants, fixed per deployment.
type Weights struct {
	BaseLow      int
	BaseMedium   int
	BaseHigh     int
	BaseCritical int

	PerCapabilityAbove int // per capability above the free allowance
	CapabilityFree     int // capabilities that score nothing

	HighImpactCapability int
	ExternalNetwork      int
	ElevatedPrivileges   int
	MarketplaceSource    int
	UnknownSource        int
	UntestedSkill        int
	PinnedSkill          int // negative
	HighTemperature      int
	PIISensitivity       int
	SecretsSensitivity   int
}

// DefaultWeights returns the deployment defaults.
func DefaultWeights() Weights {
	return Weights{
		BaseLow:              0,
		BaseMedium:           15,
		BaseHigh:             35,
		BaseCritical:         60,
		PerCapabilityAbove:   2,
		CapabilityFree:       3,
		HighImpactCapability: 10,
		ExternalNetwork:      10,
		ElevatedPrivileges:   15,
		MarketplaceSource:    10,
		UnknownSource:        5,
		UntestedSkill:        10,
		PinnedSkill:          -5,
		HighTemperature:      5,
		PIISensitivity:       10,
		SecretsSensitivity:   20,
	}
}

// highImpact is the capability set that always scores, regardless of count.
var highImpact = map[string]bool{
	"shell.exec":       true,
	"filesystem.write": true,
	"network.egress":   true,
	"credentials.read": true,
}

// Factor is one scored contribution.
type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Assessment is the scored result with its full breakdown.
type Assessment struct {
	Score     int      `json:"score"`
	Level     Level    `json:"level"`
	Breakdown []Factor `json:"breakdown"`
}

// Scorer applies a fixed weight set.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer with the given weights.
func NewScorer(w Weights) *Scorer {
	return &Scorer{weights: w}
}

// Score computes the additive risk score, clipped to [0, 100].
func (s *Scorer) Score(in Input) Assessment {
	w := s.weights
	var breakdown []Factor
	add := func(name string, points int) {
		if points == 0 {
			return
		}
		breakdown = append(breakdown, Factor{Name: name, Points: points})
	}

	switch in.AdapterRiskClass {
	case "medium":
		add("adapter_risk_class", w.BaseMedium)
	case "high":
		add("adapter_risk_class", w.BaseHigh)
	case "critical":
		add("adapter_risk_class", w.BaseCritical)
	default:
		add("adapter_risk_class", w.BaseLow)
	}

	toolCount := in.ToolCount
	if toolCount == 0 {
		toolCount = len(in.Capabilities)
	}
	if extra := toolCount - w.CapabilityFree; extra > 0 {
		add("capability_count", extra*w.PerCapabilityAbove)
	}

	for _, c := range in.Capabilities {
		if highImpact[c] {
			add("high_impact_capability", w.HighImpactCapability)
			break
		}
	}

	if in.ExternalNetwork {
		add("external_network", w.ExternalNetwork)
	}
	if in.ElevatedPrivileges {
		add("elevated_privileges", w.ElevatedPrivileges)
	}

	switch in.ProvenanceSource {
	case "marketplace":
		add("provenance_marketplace", w.MarketplaceSource)
	case "unknown":
		add("provenance_unknown", w.UnknownSource)
	}

	switch in.SkillState {
	case "untested":
		add("skill_untested", w.UntestedSkill)
	case "pinned":
		add("skill_pinned", w.PinnedSkill)
	}

	if in.Temperature > 1.0 {
		add("high_temperature", w.HighTemperature)
	}

	switch in.DataSensitivity {
	case "pii":
		add("data_sensitivity_pii", w.PIISensitivity)
	case "secrets":
		add("data_sensitivity_secrets", w.SecretsSensitivity)
	}

	score := 0
	for _, f := range breakdown {
		score += f.Points
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return Assessment{Score: score, Level: levelFor(score), Breakdown: breakdown}
}

func levelFor(score int) Level {
	switch {
	case score < 25:
		return LevelLow
	case score < 55:
		return LevelMedium
	case score < 80:
		return LevelHigh
	default:
		return LevelCritical
	}
}
