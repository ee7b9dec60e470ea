package model

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/npurt/internal/quant"
	"github.com/seantiz/npurt/internal/tensor"
)

// Manifest is the compiled-model metadata a backend loads: the batch size and
// the ordered input and output tensors in both representations.
type Manifest struct {
	Name      string `json:"name" yaml:"name"`
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
	Inputs    []Port `json:"inputs" yaml:"inputs"`
	Outputs   []Port `json:"outputs" yaml:"outputs"`
}

// Port is one model tensor. HW defaults to the CPU descriptor when omitted.
type Port struct {
	CPU   tensor.Info   `json:"cpu" yaml:"cpu"`
	HW    *tensor.Info  `json:"hw,omitempty" yaml:"hw,omitempty"`
	Quant *quant.Params `json:"quant,omitempty" yaml:"quant,omitempty"`

	// Source names the input an output is computed from. Only meaningful
	// for simulated backends.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Info returns the descriptor for the requested representation.
func (p Port) Info(typ tensor.Type) tensor.Info {
	if typ == tensor.TypeHW && p.HW != nil {
		return *p.HW
	}
	return p.CPU
}

// Ports returns the tensors for a direction.
func (m *Manifest) Ports(dir tensor.Direction) []Port {
	if dir == tensor.DirectionOutput {
		return m.Outputs
	}
	return m.Inputs
}

// Load reads and validates a manifest file. YAML and JSON are both accepted.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes, normalizes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Normalize fills derived sizes and defaults the HW descriptor names.
func (m *Manifest) Normalize() {
	if m.BatchSize == 0 {
		m.BatchSize = 1
	}
	for _, ports := range [][]Port{m.Inputs, m.Outputs} {
		for i := range ports {
			p := &ports[i]
			p.CPU.Normalize()
			if p.HW != nil {
				if p.HW.Name == "" {
					p.HW.Name = p.CPU.Name
				}
				p.HW.Normalize()
			}
		}
	}
}

// Validate checks the manifest invariants.
func (m *Manifest) Validate() error {
	if m.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", m.BatchSize)
	}
	if len(m.Inputs) == 0 {
		return errors.New("manifest declares no inputs")
	}
	if len(m.Outputs) == 0 {
		return errors.New("manifest declares no outputs")
	}

	for _, dir := range []tensor.Direction{tensor.DirectionInput, tensor.DirectionOutput} {
		for _, typ := range []tensor.Type{tensor.TypeCPU, tensor.TypeHW} {
			seen := make(map[string]bool)
			for _, p := range m.Ports(dir) {
				info := p.Info(typ)
				if err := info.Validate(); err != nil {
					return fmt.Errorf("%s %s: %w", dir, typ, err)
				}
				if seen[info.Name] {
					return fmt.Errorf("%s %s: duplicate tensor name %q", dir, typ, info.Name)
				}
				seen[info.Name] = true
			}
		}
	}

	for _, ports := range [][]Port{m.Inputs, m.Outputs} {
		for _, p := range ports {
			if p.Quant == nil {
				continue
			}
			if err := p.Quant.Validate(); err != nil {
				return fmt.Errorf("tensor %q: %w", p.CPU.Name, err)
			}
		}
	}

	for _, out := range m.Outputs {
		if out.Source == "" {
			continue
		}
		if !slices.ContainsFunc(m.Inputs, func(in Port) bool { return in.CPU.Name == out.Source }) {
			return fmt.Errorf("output %q: unknown source input %q", out.CPU.Name, out.Source)
		}
	}
	return nil
}
