package engine

import (
	"bytes"
	"fmt"

	"github.com/spf13/viper"
)

// LoadPlan reads a scan plan from a YAML, JSON or TOML file.
func LoadPlan(path string) (*Plan, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}
	return decodePlan(v)
}

// DeserializePlan parses a scan plan from bytes in the given format
// ("yaml", "json" or "toml").
func DeserializePlan(data []byte, format string) (*Plan, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse scan plan: %w", err)
	}
	return decodePlan(v)
}

func decodePlan(v *viper.Viper) (*Plan, error) {
	plan := &Plan{}
	if err := v.Unmarshal(plan); err != nil {
		return nil, fmt.Errorf("unmarshal scan plan: %w", err)
	}
	plan.ApplyDefaults()
	return plan, nil
}
