package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"bg/internal/disasm"
)

var ErrInvalidConfig = errors.New("invalid policy configuration")

// Config is the on-disk form of a policy: a preset level plus optional
// per-field overrides. A nil field keeps the preset's value; a non-nil
// list replaces the preset's list. A port or vector list also turns off
// the matching allow_all flag unless that flag is set explicitly.
type Config struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,description=Policy name shown in reports. Defaults to the level name"`
	Level string `yaml:"level" json:"level" jsonschema:"title=Level,description=Preset the overrides apply to,enum=kernel,enum=driver,enum=service,enum=user,enum=sandbox,default=user"`

	AllowPrivileged *bool `yaml:"allow_privileged,omitempty" json:"allow_privileged,omitempty" jsonschema:"description=Permit privileged instructions such as cli or mov to cr"`
	AllowRestricted *bool `yaml:"allow_restricted,omitempty" json:"allow_restricted,omitempty" jsonschema:"description=Permit restricted instructions such as syscall or int"`

	DeniedInstructions []string `yaml:"denied_instructions,omitempty" json:"denied_instructions,omitempty" jsonschema:"description=Restricted or privileged instructions denied even when their class is permitted, by name such as mov-cr or wrmsr"`
	AllowFarTransfers  *bool    `yaml:"allow_far_transfers,omitempty" json:"allow_far_transfers,omitempty" jsonschema:"description=Permit far jumps, calls and returns"`

	AllowAllPorts *bool `yaml:"allow_all_ports,omitempty" json:"allow_all_ports,omitempty" jsonschema:"description=Permit every statically known I/O port"`
	AllowedPorts  []int `yaml:"allowed_ports,omitempty" json:"allowed_ports,omitempty" jsonschema:"description=I/O ports the binary may access,minimum=0,maximum=65535"`

	AllowAllVectors *bool `yaml:"allow_all_vectors,omitempty" json:"allow_all_vectors,omitempty" jsonschema:"description=Permit every software interrupt vector"`
	AllowedVectors  []int `yaml:"allowed_vectors,omitempty" json:"allowed_vectors,omitempty" jsonschema:"description=Interrupt vectors the binary may raise with int,minimum=0,maximum=255"`

	AllowUnresolvedIO         *bool `yaml:"allow_unresolved_io,omitempty" json:"allow_unresolved_io,omitempty" jsonschema:"description=Permit port I/O whose port is not statically known"`
	AllowUnresolvedInterrupts *bool `yaml:"allow_unresolved_interrupts,omitempty" json:"allow_unresolved_interrupts,omitempty" jsonschema:"description=Permit int instructions whose vector could not be decoded"`
	AllowRWX                  *bool `yaml:"allow_rwx,omitempty" json:"allow_rwx,omitempty" jsonschema:"description=Permit sections that are both writable and executable"`
	AllowSelfModifying        *bool `yaml:"allow_self_modifying,omitempty" json:"allow_self_modifying,omitempty" jsonschema:"description=Permit stores into executable sections"`

	MaxIndirectSites *int `yaml:"max_indirect_sites,omitempty" json:"max_indirect_sites,omitempty" jsonschema:"description=Maximum distinct indirect jump and call sites. -1 is unlimited,minimum=-1"`
}

// Resolve flattens c into a Policy.
func (c *Config) Resolve() (*Policy, error) {
	lvl := User
	if c.Level != "" {
		l, err := ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		lvl = l
	}
	p := Preset(lvl)
	if c.Name != "" {
		p.Name = c.Name
	}

	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setBool(&p.AllowPrivileged, c.AllowPrivileged)
	setBool(&p.AllowRestricted, c.AllowRestricted)
	setBool(&p.AllowFarTransfers, c.AllowFarTransfers)
	setBool(&p.AllowAllPorts, c.AllowAllPorts)
	setBool(&p.AllowAllVectors, c.AllowAllVectors)
	setBool(&p.AllowUnresolvedIO, c.AllowUnresolvedIO)
	setBool(&p.AllowUnresolvedInterrupts, c.AllowUnresolvedInterrupts)
	setBool(&p.AllowRWX, c.AllowRWX)
	setBool(&p.AllowSelfModifying, c.AllowSelfModifying)

	if c.DeniedInstructions != nil {
		p.DeniedOps = nil
		for _, name := range c.DeniedInstructions {
			op, ok := disasm.ParseOp(name)
			if !ok {
				return nil, fmt.Errorf("%w: unknown instruction %q", ErrInvalidConfig, name)
			}
			if op.Class() == disasm.Safe {
				return nil, fmt.Errorf("%w: %s is not a restricted or privileged instruction", ErrInvalidConfig, op)
			}
			p.DenyOp(op)
		}
	}
	if c.AllowedPorts != nil {
		if c.AllowAllPorts == nil {
			p.AllowAllPorts = false
		}
		p.AllowedPorts = nil
		for _, n := range c.AllowedPorts {
			if n < 0 || n > 0xffff {
				return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, n)
			}
			if p.AllowsPort(uint16(n)) && !p.AllowAllPorts {
				return nil, fmt.Errorf("%w: duplicate port %#x", ErrInvalidConfig, n)
			}
			p.AllowPort(uint16(n))
		}
	}
	if c.AllowedVectors != nil {
		if c.AllowAllVectors == nil {
			p.AllowAllVectors = false
		}
		p.AllowedVectors = nil
		for _, n := range c.AllowedVectors {
			if n < 0 || n > 0xff {
				return nil, fmt.Errorf("%w: vector %d out of range", ErrInvalidConfig, n)
			}
			if p.AllowsVector(uint8(n)) && !p.AllowAllVectors {
				return nil, fmt.Errorf("%w: duplicate vector %#x", ErrInvalidConfig, n)
			}
			p.AllowVector(uint8(n))
		}
	}
	if c.MaxIndirectSites != nil {
		if *c.MaxIndirectSites < Unlimited {
			return nil, fmt.Errorf("%w: max_indirect_sites %d", ErrInvalidConfig, *c.MaxIndirectSites)
		}
		p.MaxIndirectSites = *c.MaxIndirectSites
	}
	return p, nil
}

// ParseConfig decodes a YAML or JSON policy. Unknown fields are errors.
func ParseConfig(data []byte, format string) (*Config, error) {
	var c Config
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidConfig, format)
	}
	return &c, nil
}

// LoadConfig reads a policy file. The format follows the extension;
// anything other than .json is read as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	c, err := ParseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
