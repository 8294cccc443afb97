package estimator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileState is the on-disk shape of the model.
type fileState struct {
	BaseRate              map[string]float64 `json:"base_rate"`
	ComplexityMultipliers map[string]float64 `json:"complexity_multipliers"`
	AccuracyHistory       map[string]float64 `json:"accuracy_history"`
	Observations          map[string]int     `json:"observations"`
}

// Load reads a persisted model, falling back to defaults when the file is
// missing or corrupt so a cold start always succeeds.
func Load(path string, alpha, defaultRate float64, multipliers map[string]float64) (*Model, bool) {
	m := New(alpha, defaultRate, multipliers)

	data, err := os.ReadFile(path) //nolint:gosec // model path comes from local state dir
	if err != nil {
		return m, false
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return m, false
	}

	for k, v := range st.BaseRate {
		if v > 0 {
			m.baseRates[k] = v
		}
	}
	for k, v := range st.ComplexityMultipliers {
		if v > 0 {
			m.multipliers[k] = v
		}
	}
	for k, v := range st.AccuracyHistory {
		m.accuracy[k] = v
	}
	for k, v := range st.Observations {
		if v > 0 {
			m.observations[k] = v
		}
	}
	return m, true
}

// Save writes the whole model atomically (write-temp, fsync, rename).
func (m *Model) Save(path string) error {
	m.mu.Lock()
	st := fileState{
		BaseRate:              copyMap(m.baseRates),
		ComplexityMultipliers: copyMap(m.multipliers),
		AccuracyHistory:       copyMap(m.accuracy),
		Observations:          copyIntMap(m.observations),
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".model-*")
	if err != nil {
		return fmt.Errorf("create temp model: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model: %w", err)
	}

	return os.Rename(tmp.Name(), path)
}

func copyMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
