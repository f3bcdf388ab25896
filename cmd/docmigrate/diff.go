package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/dan-strohschein/docmigrate/migration"
	"github.com/dan-strohschein/docmigrate/schema"
)

func newDiffCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Show how the declared schema differs from the one the migrations produce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			g, err := migration.ReadGraph(a.cfg.MigrationsDir)
			if err != nil {
				return err
			}
			built, err := migration.BuildSchema(g)
			if err != nil {
				return err
			}
			declared, err := schema.LoadFile(a.cfg.SchemaFile)
			if err != nil {
				return err
			}

			text, changed, err := schemaDiff(built, declared)
			if err != nil {
				return err
			}
			if !changed {
				printSuccess(out, "Migrations are up to date with "+colorCyan(a.cfg.SchemaFile))
				return nil
			}
			fmt.Fprint(out, text)
			printInfo(out, "Run "+colorCyan("docmigrate makemigrations")+" to generate a migration")
			return nil
		},
	}
}

// schemaDiff renders the changes from left to right in ascii form.
func schemaDiff(left, right schema.Schema) (string, bool, error) {
	leftJSON, err := json.Marshal(left.Dump())
	if err != nil {
		return "", false, err
	}
	rightJSON, err := json.Marshal(right.Dump())
	if err != nil {
		return "", false, err
	}

	diff, err := gojsondiff.New().Compare(leftJSON, rightJSON)
	if err != nil {
		return "", false, fmt.Errorf("failed to compare schemas: %w", err)
	}
	if !diff.Modified() {
		return "", false, nil
	}

	var leftTree map[string]interface{}
	if err := json.Unmarshal(leftJSON, &leftTree); err != nil {
		return "", false, err
	}
	text, err := formatter.NewAsciiFormatter(leftTree, formatter.AsciiFormatterConfig{
		Coloring: colorsEnabled,
	}).Format(diff)
	if err != nil {
		return "", false, fmt.Errorf("failed to format schema diff: %w", err)
	}
	return text, true, nil
}
