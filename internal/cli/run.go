package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/internal/config"
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. The first signal cancels the running command; long
// running commands stop cleanly and print their summary.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	o := NewIO(out, errOut)

	globals := flag.NewFlagSet("rollq", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	dir := globals.String("dir", "", "Queue `dir` (overrides config)")
	logLevel := globals.String("log-level", "", "Log `level`: debug, info, warn, error")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.Parse(args)
	if err != nil {
		o.ErrPrintln("error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	var overrides config.Overrides

	if globals.Changed("dir") {
		overrides.Dir = dir
	}

	if globals.Changed("log-level") {
		overrides.LogLevel = logLevel
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    *workDir,
		ConfigPath: *configPath,
		Overrides:  overrides,
		Env:        env,
	})
	if err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}

	commands := []*Command{
		PublishCmd(),
		InspectCmd(),
		CleanupCmd(),
		PrintConfigCmd(),
	}

	rest := globals.Args()
	if *help || len(rest) == 0 {
		printUsage(out, globals, commands)
		return 0
	}

	var cmd *Command

	for _, c := range commands {
		if c.Name() == rest[0] {
			cmd = c
			break
		}
	}

	if cmd == nil {
		o.ErrPrintln("error:", errors.New("unknown command: "+rest[0]))
		printUsage(errOut, globals, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	e := &Env{
		IO:     o,
		Config: cfg,
		Logger: newLogger(errOut, cfg.Level()),
		Stdin:  in,
	}

	return cmd.Run(ctx, e, rest[1:])
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.TimeOnly}

	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	o := NewIO(w, w)

	o.Println("rollq - roll-cycle queue tools")
	o.Println()
	o.Println("Usage: rollq [global flags] <command> [args]")
	o.Println()
	o.Println("Global flags:")

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	o.Printf("%s", buf.String())

	if len(commands) == 0 {
		return
	}

	o.Println()
	o.Println("Commands:")

	for _, c := range commands {
		o.Println(c.HelpLine())
	}
}

// queueDir returns the queue directory: the first positional argument if
// given, otherwise the configured one.
func queueDir(e *Env, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}

	return e.Config.DirAbs
}
