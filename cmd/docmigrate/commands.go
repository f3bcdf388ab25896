package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/docmigrate/migration"
	"github.com/dan-strohschein/docmigrate/schema"
)

func newInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the migrations directory and an empty schema file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			dir := a.cfg.MigrationsDir
			if err := migration.InitMigrationDirectory(dir, a.logger); err != nil {
				return err
			}
			printSuccess(out, "Migrations directory: "+colorCyan(dir))

			path := a.cfg.SchemaFile
			if _, err := os.Stat(path); err == nil {
				printInfo(out, "Schema file already exists: "+colorCyan(path))
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("failed to create schema directory: %w", err)
			}
			data, err := encodeSchema(path, schema.Schema{})
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("failed to write schema file: %w", err)
			}
			printSuccess(out, "Schema file: "+colorCyan(path))

			fmt.Fprintln(out)
			printInfo(out, "Next steps:")
			fmt.Fprintln(out, "  1. Describe your documents in "+colorCyan(path))
			fmt.Fprintln(out, "  2. Run "+colorCyan("docmigrate makemigrations"))
			fmt.Fprintln(out, "  3. Run "+colorCyan("docmigrate migrate"))
			return nil
		},
	}
}

func encodeSchema(path string, s schema.Schema) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return schema.DumpYAML(s)
	default:
		return json.MarshalIndent(s.Dump(), "", "  ")
	}
}

func newMakeMigrationsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "makemigrations",
		Short: "Generate a migration from changes of the declared schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			declared, err := schema.LoadFile(a.cfg.SchemaFile)
			if err != nil {
				return err
			}
			if err := migration.InitMigrationDirectory(a.cfg.MigrationsDir, a.logger); err != nil {
				return err
			}

			r, closeDB, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			m, path, err := r.MakeMigrations(cmd.Context(), declared)
			if err != nil {
				return err
			}
			if m == nil {
				printInfo(out, "No changes detected")
				return nil
			}
			if path == "" {
				printWarning(out, fmt.Sprintf("Dry run, migration %s was not written", colorCyan(m.Name)))
			} else {
				printSuccess(out, "Created "+colorCyan(path))
			}
			for i, spec := range m.Specs() {
				fmt.Fprintf(out, "  %d. %s\n", i+1, spec)
			}
			return nil
		},
	}
}

func newUpgradeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade <migration>",
		Short: "Apply migrations up to and including the given one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeDB, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if err := r.Upgrade(cmd.Context(), args[0]); err != nil {
				return err
			}
			reportRun(cmd.OutOrStdout(), r, "Upgraded to "+args[0])
			return nil
		},
	}
}

func newDowngradeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "downgrade <migration>",
		Short: "Revert migrations applied after the given one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeDB, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if err := r.Downgrade(cmd.Context(), args[0]); err != nil {
				return err
			}
			reportRun(cmd.OutOrStdout(), r, "Downgraded to "+args[0])
			return nil
		},
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [migration]",
		Short: "Upgrade or downgrade to the given migration, the last one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) > 0 {
				target = args[0]
			}
			r, closeDB, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if err := r.Migrate(cmd.Context(), target); err != nil {
				return err
			}
			if target == "" {
				target = "the last migration"
			}
			reportRun(cmd.OutOrStdout(), r, "Migrated to "+target)
			return nil
		},
	}
}

// reportRun prints the modifications recorded by a dry run, or message
// otherwise.
func reportRun(out io.Writer, r *migration.Runner, message string) {
	tracer := r.Tracer()
	if tracer == nil {
		printSuccess(out, message)
		return
	}
	calls := tracer.Modifications()
	printWarning(out, fmt.Sprintf("Dry run, %d data modification(s) were not executed", len(calls)))
	for _, c := range calls {
		fmt.Fprintf(out, "  %s %s.%s %s\n", colorDim(string(c.Kind)), c.Collection, c.Method, c.Args)
	}
}

func newPlanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [migration]",
		Short: "Show what migrate would run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) > 0 {
				target = args[0]
			}
			r, closeDB, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			plan, err := r.Plan(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), migration.FormatPlan(plan))
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			r, closeDB, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			entries, err := r.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			printHeader(out, "Migration Status")
			if len(entries) == 0 {
				printInfo(out, "No migrations found in "+a.cfg.MigrationsDir)
				return nil
			}
			rows := make([][]string, 0, len(entries))
			applied := 0
			for _, e := range entries {
				state := "pending"
				if e.Applied {
					state = "applied"
					applied++
				}
				rows = append(rows, []string{e.Name, state, e.Policy, strconv.Itoa(e.Actions), strings.Join(e.Dependencies, ",")})
			}
			printTable(out, []string{"MIGRATION", "STATE", "POLICY", "ACTIONS", "DEPENDS ON"}, rows)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "%d applied, %d pending\n", applied, len(entries)-applied)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check migration files and the graph they form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			g, err := migration.ReadGraph(a.cfg.MigrationsDir)
			if err != nil {
				return err
			}
			if _, err := migration.BuildSchema(g); err != nil {
				return err
			}
			printSuccess(out, fmt.Sprintf("%d migration(s) are valid", g.Len()))
			return nil
		},
	}
}

func newUnlockCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove a migrations lock left behind by a dead process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := migration.NewLock(a.cfg.MigrationsDir, a.cfg.Lock.StaleTimeout, a.logger)
			if err != nil {
				return err
			}
			if err := lock.ForceUnlock(); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Lock removed: "+colorCyan(lock.Path()))
			return nil
		},
	}
}
