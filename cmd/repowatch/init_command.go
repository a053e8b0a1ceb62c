package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/repowatch/pkg/template"
	"github.com/spf13/cobra"
)

// Init writes a starter config file for the given repositories.
func (c command) Init(f InitFlags) error {
	paths := make([]string, 0, len(f.Paths))
	for _, p := range f.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		paths = append(paths, abs)
	}
	g := template.NewGenerator()
	content, err := g.GenerateTOML(template.TemplateType(f.Type), template.Options{
		CheckProgram: f.CheckProgram,
		Paths:        paths,
		AutoRestart:  f.AutoRestart,
		StateDir:     f.StateDir,
	})
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}
	if f.Output == "" || f.Output == "-" {
		_, err = c.out.Write(content)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("config file '%s' already exists (use --force to overwrite)", f.Output)
	}
	if err := os.WriteFile(f.Output, content, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	_, err = fmt.Fprintf(c.out, "Config written to %s\nStart the daemon with: repowatch serve %s\n", f.Output, f.Output)
	return err
}

func createInitCommand(c command) *cobra.Command {
	f := &InitFlags{}
	types := strings.Join(template.NewGenerator().GetSupportedTypes(), ", ")
	cmd := &cobra.Command{
		Use:   "init [path...]",
		Short: "Generate a starter config file",
		Long: `Generate a repowatch.toml for the given repository directories.

Template types: ` + types + `

Examples:
  repowatch init /srv/repos/notes --output=repowatch.toml
  repowatch init /srv/repos/* --type=observed --auto-restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Paths = args
			return c.Init(*f)
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", string(template.TypeMinimal), "template type ("+types+")")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "output file (stdout when empty)")
	cmd.Flags().StringVar(&f.CheckProgram, "check-program", "", "lifecycle program path")
	cmd.Flags().StringVar(&f.StateDir, "state-dir", "", "directory for logs, pid/lock files and history")
	cmd.Flags().BoolVar(&f.AutoRestart, "auto-restart", false, "enable auto-restart for every instance")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}
