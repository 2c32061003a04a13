package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, e *Env, _ []string) error {
			return execPrintConfig(e)
		},
	}
}

func execPrintConfig(e *Env) error {
	formatted, err := config.Format(e.Config)
	if err != nil {
		return err
	}

	e.IO.Println(formatted)
	e.IO.Println("dir_abs=" + e.Config.DirAbs)
	e.IO.Println("")
	e.IO.Println("# sources")

	if e.Config.Sources.Global == "" && e.Config.Sources.Project == "" {
		e.IO.Println("(defaults only)")
	} else {
		if e.Config.Sources.Global != "" {
			e.IO.Println("global_config=" + e.Config.Sources.Global)
		}

		if e.Config.Sources.Project != "" {
			e.IO.Println("project_config=" + e.Config.Sources.Project)
		}
	}

	return nil
}
