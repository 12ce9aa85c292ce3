// Package config loads the optional --policy-config YAML file that can
// override the balancer's scoring weights and template selection. CLI flags
// remain the default source of truth; the file only overrides the fields it
// sets. Modeled on the teacher's PolicyBundle/LoadPolicyBundle pattern in
// sim/bundle.go.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyBundle holds the subset of the balancer's policy that is safe to
// override from a file: scoring weights and the chat template name. Nil
// pointer fields mean "not set in YAML" — they do not override the
// CLI-flag defaults.
type PolicyBundle struct {
	TaskQueueWeight  *float64 `yaml:"task_queue_weight"`
	CacheTokenWeight *float64 `yaml:"cache_token_weight"`
	PromptTemplate   string   `yaml:"prompt_template_type"`
}

// LoadPolicyBundle reads and parses a YAML policy configuration file. Uses
// strict parsing: unrecognized keys (typos) are rejected.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy config: %w", err)
	}
	var bundle PolicyBundle
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("parsing policy config: %w", err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Validate checks that any set weights are finite and non-negative.
func (b *PolicyBundle) Validate() error {
	if err := validateFloat("task_queue_weight", b.TaskQueueWeight); err != nil {
		return err
	}
	if err := validateFloat("cache_token_weight", b.CacheTokenWeight); err != nil {
		return err
	}
	return nil
}

// ApplyOverrides mutates wq/wc/templateName in place for every field the
// bundle sets, leaving CLI-flag values untouched otherwise.
func (b *PolicyBundle) ApplyOverrides(wq, wc *float64, templateName *string) {
	if b == nil {
		return
	}
	if b.TaskQueueWeight != nil {
		*wq = *b.TaskQueueWeight
	}
	if b.CacheTokenWeight != nil {
		*wc = *b.CacheTokenWeight
	}
	if b.PromptTemplate != "" {
		*templateName = b.PromptTemplate
	}
}

func validateFloat(name string, val *float64) error {
	if val == nil {
		return nil
	}
	if math.IsNaN(*val) || math.IsInf(*val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, *val)
	}
	if *val < 0 {
		return fmt.Errorf("%s must be non-negative, got %f", name, *val)
	}
	return nil
}
