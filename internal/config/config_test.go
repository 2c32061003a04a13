package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rollq/internal/config"
	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func ptr[T any](v T) *T { return &v }

func Test_Load_Returns_Defaults_When_No_Files_Exist(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDir: workDir, Env: map[string]string{}})
	require.NoError(t, err)

	want := config.Default()
	want.DirAbs = filepath.Join(workDir, want.Dir)

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Layers_Global_Project_And_Overrides_When_All_Present(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	xdg := t.TempDir()

	writeFile(t, filepath.Join(xdg, "rollq", "config.json"), `{
		// global settings
		"roll_cycle": "HOURLY",
		"stage_count": 4,
		"log_level": "debug",
	}`)
	writeFile(t, filepath.Join(workDir, config.FileName), `{
		"stage_count": 0,
		"early_acquire_next_cycle": true,
		"cpu": 3, /* pin */
	}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDir:   workDir,
		Env:       map[string]string{"XDG_CONFIG_HOME": xdg},
		Overrides: config.Overrides{Dir: ptr("/var/rollq"), CPU: ptr(config.NoCPU)},
	})
	require.NoError(t, err)

	want := config.Default()
	want.RollCycle = "HOURLY"
	want.StageCount = 0
	want.LogLevel = "debug"
	want.EarlyAcquireNextCycle = true
	want.CPU = config.NoCPU
	want.Dir = "/var/rollq"
	want.DirAbs = "/var/rollq"

	if diff := cmp.Diff(want, cfg, cmpopts.IgnoreFields(config.Config{}, "Sources")); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, filepath.Join(xdg, "rollq", "config.json"), cfg.Sources.Global)
	require.Equal(t, filepath.Join(workDir, config.FileName), cfg.Sources.Project)
	require.Equal(t, rollcycle.Hourly, cfg.QueueRollCycle())
}

func Test_Load_Uses_Home_Config_When_XDG_Is_Unset(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	writeFile(t, filepath.Join(home, ".config", "rollq", "config.json"), `{"publish_rate_mb": 2.5}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: t.TempDir(), Env: map[string]string{"HOME": home}})
	require.NoError(t, err)
	require.InDelta(t, 2.5, cfg.PublishRateMB, 0)
}

func Test_Load_Reads_Explicit_File_Instead_Of_Project_File_When_Config_Flag_Given(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, config.FileName), `{"stage_count": 9}`)
	writeFile(t, filepath.Join(workDir, "alt.json"), `{"block_size": 65536}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: workDir, ConfigPath: "alt.json", Env: map[string]string{}})
	require.NoError(t, err)
	require.Equal(t, int64(65536), cfg.BlockSize)
	require.Equal(t, 1, cfg.StageCount)
	require.Equal(t, filepath.Join(workDir, "alt.json"), cfg.Sources.Project)
}

func Test_Load_Returns_ErrConfigFileNotFound_When_Explicit_File_Is_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDir: t.TempDir(), ConfigPath: "missing.json", Env: map[string]string{}})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func Test_Load_Returns_ErrConfigInvalid_When_File_Is_Not_JSONC(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, config.FileName), `{"dir": `)

	_, err := config.Load(config.LoadInput{WorkDir: workDir, Env: map[string]string{}})
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func Test_Load_Returns_ErrDirEmpty_When_File_Sets_Empty_Dir(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, config.FileName), `{"dir": ""}`)

	_, err := config.Load(config.LoadInput{WorkDir: workDir, Env: map[string]string{}})
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	require.ErrorIs(t, err, config.ErrDirEmpty)
}

func Test_Validate_Reports_Every_Bad_Field_When_Several_Are_Wrong(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.RollCycle = "WEEKLY"
	cfg.PublishRateMB = 0
	cfg.CPU = -2
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	require.ErrorIs(t, err, rollcycle.ErrUnknown)
	require.Contains(t, err.Error(), "publish_rate_mb")
	require.Contains(t, err.Error(), "cpu")
	require.Contains(t, err.Error(), "log_level")
}

func Test_PretouchConfig_Converts_Milliseconds_When_Called(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.EarlyAcquireNextCycle = true
	cfg.PretouchPrerollMs = 250

	got := cfg.PretouchConfig()
	want := queue.PretouchConfig{EarlyAcquireNextCycle: true, PrerollTime: 250 * time.Millisecond}

	if got != want {
		t.Fatalf("PretouchConfig() = %+v, want %+v", got, want)
	}
}

func Test_Load_Returns_ErrConfigFileRead_When_Path_Is_Directory(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(workDir, config.FileName), 0o755))

	_, err := config.Load(config.LoadInput{WorkDir: workDir, Env: map[string]string{}})
	if !errors.Is(err, config.ErrConfigFileRead) {
		t.Fatalf("err = %v, want ErrConfigFileRead", err)
	}
}

func Test_WithOverrides_Applies_Set_Fields_And_Validates_When_Called(t *testing.T) {
	t.Parallel()

	cfg, err := config.Default().WithOverrides(config.Overrides{StageCount: ptr(3)})
	require.NoError(t, err)
	require.Equal(t, 3, cfg.StageCount)
	require.Equal(t, config.Default().RollCycle, cfg.RollCycle)

	_, err = config.Default().WithOverrides(config.Overrides{StageCount: ptr(-1)})
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func Test_Load_Returns_ErrConfigInvalid_When_File_Has_Unknown_Key(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, config.FileName), `{"stages": 2}`)

	_, err := config.Load(config.LoadInput{WorkDir: workDir, Env: map[string]string{}})
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	require.Contains(t, err.Error(), "stages")
}

func Test_Format_Round_Trips_Through_Load_When_Written_As_Project_File(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.StageCount = 5
	cfg.EarlyAcquireNextCycle = true

	formatted, err := config.Format(cfg)
	require.NoError(t, err)
	require.Contains(t, formatted, `"stage_count": 5`)
	require.NotContains(t, formatted, "DirAbs")

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, config.FileName), formatted)

	loaded, err := config.Load(config.LoadInput{WorkDir: workDir, Env: map[string]string{}})
	require.NoError(t, err)

	if diff := cmp.Diff(cfg, loaded, cmpopts.IgnoreFields(config.Config{}, "DirAbs", "Sources")); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
