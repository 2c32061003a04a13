package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/tablestore"
)

// InspectCmd returns the inspect command.
func InspectCmd() *Command {
	flags := flag.NewFlagSet("inspect", flag.ContinueOnError)
	readOnly := flags.Bool("read-only", false, "Open the queue read-only")

	return &Command{
		Flags: flags,
		Usage: "inspect [dir] [--read-only]",
		Short: "Interactive shell over a queue's metadata table",
		Long: `Open an interactive shell over the queue's metadata table.

Reference counts changed with acquire and release are shared with every
process using the queue.`,
		Exec: func(ctx context.Context, e *Env, args []string) error {
			return execInspect(ctx, e, queueDir(e, args), *readOnly)
		},
	}
}

// prompter reads one input line per call. *liner.State implements it.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// linePrompter reads lines from a non-terminal input.
type linePrompter struct {
	scanner *bufio.Scanner
}

func (p *linePrompter) Prompt(string) (string, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return p.scanner.Text(), nil
}

func (p *linePrompter) AppendHistory(string) {}

func execInspect(ctx context.Context, e *Env, dir string, readOnly bool) error {
	q, err := queue.Open(dir, queue.Options{
		RollCycle: e.Config.QueueRollCycle(),
		BlockSize: e.Config.BlockSize,
		ReadOnly:  readOnly,
		Logger:    &e.Logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	r := &REPL{q: q, io: e.IO}

	if e.Stdin == os.Stdin {
		state := liner.NewLiner()
		defer func() { _ = state.Close() }()

		state.SetCtrlCAborts(true)
		state.SetCompleter(completer)

		if f, err := os.Open(historyFile()); err == nil {
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}

		defer saveHistory(state)

		return r.Run(ctx, state)
	}

	in := e.Stdin
	if in == nil {
		in = strings.NewReader("")
	}

	return r.Run(ctx, &linePrompter{scanner: bufio.NewScanner(in)})
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".rollq_history")
}

func saveHistory(state *liner.State) {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = state.WriteHistory(f)
			_ = f.Close()
		}
	}
}

var replCommands = []string{
	"info", "entries", "cycles", "refs", "acquire", "release",
	"dump", "help", "exit", "quit", "q",
}

// completer provides tab completion for commands.
func completer(line string) []string {
	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range replCommands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

// REPL is the interactive command loop of inspect.
type REPL struct {
	q  *queue.Queue
	io *IO
}

// Run reads commands until exit, end of input or ctx is done.
func (r *REPL) Run(ctx context.Context, p prompter) error {
	mode := "read-write"
	if r.q.ReadOnly() {
		mode = "read-only"
	}

	r.io.Printf("rollq inspect %s (%s)\n", r.q.Dir(), mode)
	r.io.Println("Type 'help' for available commands.")

	for ctx.Err() == nil {
		line, err := p.Prompt("rollq> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		p.AppendHistory(line)

		if r.Exec(line) {
			return nil
		}
	}

	return nil
}

// Exec runs one command line and reports whether the shell should exit.
// Command errors are printed, not returned.
func (r *REPL) Exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		r.printHelp()
	case "info":
		err = r.cmdInfo()
	case "entries":
		err = r.cmdEntries()
	case "cycles":
		err = r.cmdCycles()
	case "refs":
		err = r.withCycle(args, r.cmdRefs)
	case "acquire":
		err = r.withCycle(args, r.cmdAcquire)
	case "release":
		err = r.withCycle(args, r.cmdRelease)
	case "dump":
		err = r.cmdDump()
	default:
		r.io.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		r.io.Println("error:", err)
	}

	return false
}

func (r *REPL) printHelp() {
	r.io.Println("Commands:")
	r.io.Println("  info               Show queue settings")
	r.io.Println("  entries            List metadata table entries")
	r.io.Println("  cycles             List cycle files with reference counts")
	r.io.Println("  refs <cycle>       Show a cycle's reference count")
	r.io.Println("  acquire <cycle>    Increment a cycle's reference count")
	r.io.Println("  release <cycle>    Decrement a cycle's reference count")
	r.io.Println("  dump               Print the metadata table")
	r.io.Println("  help               Show this help")
	r.io.Println("  exit / quit / q    Exit")
}

func (r *REPL) withCycle(args []string, fn func(cycle int) error) error {
	if len(args) != 1 {
		return errors.New("usage: <command> <cycle>")
	}

	cycle, err := strconv.Atoi(args[0])
	if err != nil || cycle < 0 {
		return fmt.Errorf("invalid cycle %q", args[0])
	}

	return fn(cycle)
}

func (r *REPL) cmdInfo() error {
	r.io.Println("dir:", r.q.Dir())
	r.io.Println("roll_cycle:", r.q.RollCycle().Name())
	r.io.Println("epoch:", r.q.Epoch())
	r.io.Println("block_size:", r.q.BlockSize())
	r.io.Println("max_document_size:", r.q.MaxDocumentSize())

	current, err := r.q.CurrentCycle()
	if err != nil {
		return err
	}

	r.io.Println("current_cycle:", current)

	return nil
}

type entryLister interface {
	Entries() ([]tablestore.Entry, error)
}

func (r *REPL) cmdEntries() error {
	lister, ok := r.q.Store().(entryLister)
	if !ok {
		return fmt.Errorf("entries: %w", queue.ErrReadOnly)
	}

	entries, err := lister.Entries()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		r.io.Printf("%-24s %d\n", entry.Key, entry.Value)
	}

	r.io.Printf("(%d entries)\n", len(entries))

	return nil
}

func (r *REPL) cmdCycles() error {
	cycles, err := r.q.Cycles()
	if err != nil {
		return err
	}

	for _, cycle := range cycles {
		refs := "-"

		if !r.q.ReadOnly() {
			n, err := r.q.ReferenceCount(cycle)
			if err != nil {
				return err
			}

			refs = strconv.FormatInt(n, 10)
		}

		r.io.Printf("%-8d %-28s refs=%s\n", cycle, r.q.FileName(cycle), refs)
	}

	r.io.Printf("(%d cycles)\n", len(cycles))

	return nil
}

func (r *REPL) cmdRefs(cycle int) error {
	n, err := r.q.ReferenceCount(cycle)
	if err != nil {
		return err
	}

	r.io.Printf("cycle %d: %d\n", cycle, n)

	return nil
}

func (r *REPL) cmdAcquire(cycle int) error {
	rt := r.q.ReferenceTracker()
	if rt == nil {
		return fmt.Errorf("acquire: %w", queue.ErrReadOnly)
	}

	err := rt.Acquired(cycle)
	if err != nil {
		return err
	}

	return r.cmdRefs(cycle)
}

func (r *REPL) cmdRelease(cycle int) error {
	rt := r.q.ReferenceTracker()
	if rt == nil {
		return fmt.Errorf("release: %w", queue.ErrReadOnly)
	}

	rt.Released(cycle)

	return r.cmdRefs(cycle)
}

func (r *REPL) cmdDump() error {
	dump, err := r.q.Store().Dump()
	if err != nil {
		return err
	}

	r.io.Printf("%s", dump)

	if !strings.HasSuffix(dump, "\n") {
		r.io.Println()
	}

	return nil
}
