package attention

// Level is the coarse per-sensor demand signal derived from observer UI
// state. Ordered none < low < medium < high.
type Level string

const (
	LevelNone   Level = "none"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

var levelRank = map[Level]int{
	LevelNone:   0,
	LevelLow:    1,
	LevelMedium: 2,
	LevelHigh:   3,
}

// Rank maps the level onto 0..3 for comparisons and gauges.
func (l Level) Rank() int { return levelRank[l] }

// Downgrade steps the level down, clamped at none.
func (l Level) Downgrade(steps int) Level {
	r := l.Rank() - steps
	if r < 0 {
		r = 0
	}
	for lvl, rank := range levelRank {
		if rank == r {
			return lvl
		}
	}
	return LevelNone
}

// BatteryState is what observers self-report about their power budget.
type BatteryState string

const (
	BatteryNormal   BatteryState = "normal"
	BatteryLow      BatteryState = "low"
	BatteryCritical BatteryState = "critical"
)

// ValidBattery reports whether s is a known battery state.
func ValidBattery(s BatteryState) bool {
	switch s {
	case BatteryNormal, BatteryLow, BatteryCritical:
		return true
	}
	return false
}
