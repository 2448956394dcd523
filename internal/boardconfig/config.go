// Package boardconfig loads the YAML board/device descriptor shared by
// the cmd/ tools: flash partition geometry, I3C static address, the
// supported SPDM version set, and certificate slot layout.
package boardconfig

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SPDMVersion mirrors spdm.Version without importing the spdm package,
// keeping this config package dependency-free of the protocol stack.
type SPDMVersion struct {
	Major uint8 `yaml:"major"`
	Minor uint8 `yaml:"minor"`
}

// Partition describes one flash region the image tooling writes into.
type Partition struct {
	Name   string `yaml:"name"`
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
}

// CertSlot describes one provisioned SPDM certificate-chain slot.
type CertSlot struct {
	Index    int    `yaml:"index"`
	ChainDER string `yaml:"chain_der_file"`
}

// Config is the top-level board/device descriptor.
type Config struct {
	I3CStaticAddress *int          `yaml:"i3c_static_address"`
	Partitions       []Partition   `yaml:"partitions"`
	SPDMVersions     []SPDMVersion `yaml:"spdm_versions"`
	CertSlots        []CertSlot    `yaml:"cert_slots"`
}

// defaults applied to zero-value fields after unmarshal.
func (c *Config) applyDefaults() {
	if c.I3CStaticAddress == nil {
		addr := 0x0A
		c.I3CStaticAddress = &addr
	}
	if len(c.SPDMVersions) == 0 {
		c.SPDMVersions = []SPDMVersion{{1, 0}, {1, 1}, {1, 2}, {1, 3}}
	}
}

// Load reads and validates the YAML descriptor at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("boardconfig: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("boardconfig: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if p.Size == 0 {
			return fmt.Errorf("boardconfig: partition %q has zero size", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("boardconfig: duplicate partition name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// PartitionByName returns the named partition, if present.
func (c *Config) PartitionByName(name string) (Partition, bool) {
	for _, p := range c.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}
