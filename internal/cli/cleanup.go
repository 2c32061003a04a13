package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/pkg/queue"
)

// CleanupCmd returns the cleanup command.
func CleanupCmd() *Command {
	flags := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	before := flags.Int("before", -1, "Delete unused cycles below `cycle` (default: current cycle)")

	return &Command{
		Flags: flags,
		Usage: "cleanup [dir] [--before <cycle>]",
		Short: "Delete cycle files no process references",
		Long: `Delete cycle files below --before whose reference count is zero.

The newest cycle and cycles open in this process are never deleted.`,
		Exec: func(_ context.Context, e *Env, args []string) error {
			return execCleanup(e, queueDir(e, args), *before, flags.Changed("before"))
		},
	}
}

func execCleanup(e *Env, dir string, before int, beforeSet bool) error {
	q, err := queue.Open(dir, queue.Options{
		RollCycle: e.Config.QueueRollCycle(),
		BlockSize: e.Config.BlockSize,
		Logger:    &e.Logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	if !beforeSet {
		before, err = q.CurrentCycle()
		if err != nil {
			return err
		}
	}

	if before < 0 {
		return fmt.Errorf("--before %d must not be negative: %w", before, queue.ErrInvalidInput)
	}

	deleted, err := q.DeleteUnusedCycles(before)
	for _, cycle := range deleted {
		e.IO.Println("deleted", q.FileName(cycle))
	}

	if err != nil {
		return err
	}

	if len(deleted) == 0 {
		e.IO.Println("nothing to delete")
	}

	return nil
}
