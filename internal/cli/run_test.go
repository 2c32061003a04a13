package cli_test

import (
	"testing"

	"github.com/calvinalkan/rollq/internal/cli"
)

func Test_Usage_Lists_Commands_When_Invoked_Without_Args(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun()

	cli.AssertContains(t, stdout, "Global flags:")
	cli.AssertContains(t, stdout, "--config")
	cli.AssertContains(t, stdout, "publish")
	cli.AssertContains(t, stdout, "inspect")
	cli.AssertContains(t, stdout, "cleanup")
	cli.AssertContains(t, stdout, "print-config")
}

func Test_Unknown_Global_Flag_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--invalid-flag", "print-config")

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")
	cli.AssertContains(t, stderr, "Global flags:")
}

func Test_Unknown_Command_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
}

func Test_Command_Help_Shows_Flags_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("publish", "--help")

	cli.AssertContains(t, stdout, "Usage: rollq publish")
	cli.AssertContains(t, stdout, "--rate")
	cli.AssertContains(t, stdout, "--stages")
	cli.AssertContains(t, stdout, "--duration")
}

func Test_Invalid_Config_Fails_When_Project_File_Is_Broken(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteConfig(`{"roll_cycle": "WEEKLY"}`)

	stderr := c.MustFail("print-config")

	cli.AssertContains(t, stderr, "invalid config")
	cli.AssertContains(t, stderr, "unknown roll cycle")
}

func Test_PrintConfig_Shows_Values_And_Sources_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("--dir", "elsewhere", "print-config")

	cli.AssertContains(t, stdout, `"roll_cycle": "DAILY"`)
	cli.AssertContains(t, stdout, `"block_size": 65536`)
	cli.AssertContains(t, stdout, `"dir": "elsewhere"`)
	cli.AssertContains(t, stdout, "project_config=")
	cli.AssertNotContains(t, stdout, "global_config=")
}

func Test_PrintConfig_Rejects_Bad_Log_Level_When_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--log-level", "loud", "print-config")

	cli.AssertContains(t, stderr, "log_level")
}
