package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"bg/internal/policy"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Generate JSON schema for policy files",
		Long:  "Generate the JSON schema that --policy-file documents (YAML or JSON) must satisfy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reflector := &jsonschema.Reflector{
				FieldNameTag:   "yaml",
				DoNotReference: true,
			}
			bts, err := json.MarshalIndent(reflector.Reflect(&policy.Config{}), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(bts))
			return nil
		},
	}
}
