package backpressure

import (
	"math"

	"github.com/adiibanez/sensocto-sub012/internal/attention"
	"github.com/adiibanez/sensocto-sub012/internal/sysload"
)

// Config tells a connector how fast to flush and how large to batch. Pushed
// as the backpressure_config event, so the field names are wire contract.
type Config struct {
	AttentionLevel           attention.Level `json:"attention_level"`
	SystemLoad               sysload.Level   `json:"system_load"`
	Paused                   bool            `json:"paused"`
	RecommendedBatchWindowMS int64           `json:"recommended_batch_window_ms"`
	RecommendedBatchSize     int             `json:"recommended_batch_size"`
	LoadMultiplier           float64         `json:"load_multiplier"`
	TimestampMS              int64           `json:"timestamp"`
}

// base flush cadence per attention level. High attention means a human is
// watching right now, so flush nearly per sample.
var baseTable = map[attention.Level]struct {
	windowMS  int64
	batchSize int
}{
	attention.LevelHigh:   {100, 1},
	attention.LevelMedium: {500, 5},
	attention.LevelLow:    {2000, 10},
	attention.LevelNone:   {5000, 20},
}

// Compute derives the connector config from the two broadcast facts. Pure:
// identical inputs give identical configs, apart from the caller-supplied
// timestamp.
func Compute(att attention.Level, load sysload.Level, multiplier float64, nowMS int64) Config {
	base, ok := baseTable[att]
	if !ok {
		base = baseTable[attention.LevelNone]
		att = attention.LevelNone
	}
	if multiplier <= 0 {
		multiplier = 1.0
	}
	return Config{
		AttentionLevel:           att,
		SystemLoad:               load,
		Paused:                   load == sysload.LevelCritical && (att == attention.LevelLow || att == attention.LevelNone),
		RecommendedBatchWindowMS: int64(math.Round(float64(base.windowMS) * multiplier)),
		RecommendedBatchSize:     base.batchSize,
		LoadMultiplier:           multiplier,
		TimestampMS:              nowMS,
	}
}

// Equivalent reports whether two configs would tell the connector the same
// thing. The timestamp is excluded; it changes on every recompute.
func Equivalent(a, b Config) bool {
	return a.AttentionLevel == b.AttentionLevel &&
		a.SystemLoad == b.SystemLoad &&
		a.Paused == b.Paused &&
		a.RecommendedBatchWindowMS == b.RecommendedBatchWindowMS &&
		a.RecommendedBatchSize == b.RecommendedBatchSize &&
		a.LoadMultiplier == b.LoadMultiplier
}
