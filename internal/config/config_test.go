package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/vzbox/internal/timeouts"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	state := t.TempDir()
	p := writeConfig(t, `{"paths": {"state_dir": "`+state+`"}}`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, EngineVZ, cfg.Engine)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, Duration(timeouts.RetireDrainTimeout), cfg.Bridge.RetireTimeout)

	want, err := filepath.EvalSymlinks(state)
	require.NoError(t, err)
	assert.Equal(t, want, cfg.Paths.StateDir)
}

func TestLoad(t *testing.T) {
	state := t.TempDir()
	p := writeConfig(t, `{
		"engine": "simulator",
		"paths": {"state_dir": "`+filepath.Join(state, "nested")+`"},
		"bridge": {"retire_timeout": "250ms"},
		"log": {"level": "debug"}
	}`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, EngineSimulator, cfg.Engine)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.Bridge.RetireTimeout))
	assert.DirExists(t, cfg.Paths.StateDir, "state dir is created")
}

func TestLoadErrors(t *testing.T) {
	state := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{`},
		{name: "unknown field", body: `{"engines": "vz"}`},
		{name: "unknown engine", body: `{"engine": "qemu", "paths": {"state_dir": "` + state + `"}}`},
		{name: "bad level", body: `{"log": {"level": "loud"}, "paths": {"state_dir": "` + state + `"}}`},
		{name: "bad duration", body: `{"bridge": {"retire_timeout": "soon"}}`},
		{name: "numeric duration", body: `{"bridge": {"retire_timeout": 5}}`},
		{name: "negative duration", body: `{"bridge": {"retire_timeout": "-1s"}, "paths": {"state_dir": "` + state + `"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}

	t.Run("invalid fields are argument errors", func(t *testing.T) {
		_, err := Load(writeConfig(t, `{"engine": "qemu", "paths": {"state_dir": "`+state+`"}}`))
		assert.True(t, errdefs.IsInvalidArgument(err))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestStateDirMustBeWritable(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}
	ro := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.MkdirAll(ro, 0500))

	_, err := Load(writeConfig(t, `{"paths": {"state_dir": "`+ro+`"}}`))
	assert.Error(t, err)
}

func TestFromDefaultsUsesEnvironment(t *testing.T) {
	state := t.TempDir()
	t.Setenv("VZBOX_STATE_DIR", state)

	cfg, err := FromDefaults()
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(state)
	require.NoError(t, err)
	assert.Equal(t, want, cfg.Paths.StateDir)
}

func TestDurationRoundTrip(t *testing.T) {
	b, err := Duration(1500 * time.Millisecond).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))

	var d Duration
	require.NoError(t, d.UnmarshalJSON(b))
	assert.Equal(t, Duration(1500*time.Millisecond), d)
}
