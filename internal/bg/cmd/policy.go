package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"bg/internal/policy"
)

func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("policy", "p", policy.User.String(), "Policy preset: kernel, driver, service, user or sandbox")
	cmd.Flags().StringP("policy-file", "P", "", "YAML or JSON policy file (see bg schema)")
	cmd.Flags().StringSlice("allow-port", nil, "Additionally allow I/O port (repeatable, hex with 0x)")
	cmd.Flags().StringSlice("allow-vector", nil, "Additionally allow interrupt vector (repeatable, hex with 0x)")
	cmd.Flags().Bool("allow-privileged", false, "Allow privileged instructions")
	cmd.Flags().Bool("allow-far", false, "Allow far jumps, calls and returns")
	cmd.Flags().Int("max-indirect", policy.Unlimited, "Maximum indirect jump and call sites (-1 is unlimited)")
}

// resolvePolicy builds the policy from the file, the preset flag and
// the override flags, in that order of precedence from lowest.
func resolvePolicy(cmd *cobra.Command) (*policy.Policy, error) {
	cfg := &policy.Config{}
	if path, _ := cmd.Flags().GetString("policy-file"); path != "" {
		c, err := policy.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if cmd.Flags().Changed("policy") || cfg.Level == "" {
		cfg.Level, _ = cmd.Flags().GetString("policy")
	}
	if cmd.Flags().Changed("allow-privileged") {
		v, _ := cmd.Flags().GetBool("allow-privileged")
		cfg.AllowPrivileged = &v
	}
	if cmd.Flags().Changed("allow-far") {
		v, _ := cmd.Flags().GetBool("allow-far")
		cfg.AllowFarTransfers = &v
	}
	if cmd.Flags().Changed("max-indirect") {
		n, _ := cmd.Flags().GetInt("max-indirect")
		cfg.MaxIndirectSites = &n
	}

	pol, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	ports, _ := cmd.Flags().GetStringSlice("allow-port")
	for _, s := range ports {
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: --allow-port %q", policy.ErrInvalidConfig, s)
		}
		pol.AllowPort(uint16(n))
	}
	vectors, _ := cmd.Flags().GetStringSlice("allow-vector")
	for _, s := range vectors {
		n, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: --allow-vector %q", policy.ErrInvalidConfig, s)
		}
		pol.AllowVector(uint8(n))
	}
	return pol, nil
}
