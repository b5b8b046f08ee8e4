package app

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const master = `New Circuit.feeder basekv=13.8 bus1=src
redirect parts.dss
`

const parts = `! New Generator.g0 bus1=b1 kv=13.8 kw=100 vpu=1.0
New Line.l1 bus1=src bus2=b1 r1=0.1 x1=0.3
New Load.L1 bus1=b1 kv=13.8 kw=800 kvar=300
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestBootstrap(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"master.dss":   master,
		"parts.dss":    parts,
		"profile.csv":  "hour,multiplier\n0,0.5\n1,1.0\n",
		"run.yaml":     "max_load_factor: 0.8\nlog_level: warn\n",
		"settings.env": "",
	})
	t.Setenv("LOADFLOW_NETWORK", "")

	var f Flags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f.Register(fs)
	require.NoError(t, fs.Parse([]string{
		"-config", filepath.Join(dir, "run.yaml"),
		"-env-file", filepath.Join(dir, "settings.env"),
		"-network", filepath.Join(dir, "master.dss"),
		"-schedule", filepath.Join(dir, "profile.csv"),
		"-restore", "Generator.g0, ",
	}))

	env, err := Bootstrap(f)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, env.Log.GetLevel())
	assert.Equal(t, "feeder", env.Network.Name)
	assert.Len(t, env.Network.Generators, 1)
	assert.Equal(t, []string{"Generator.g0"}, env.Config.RestoreElements)
	require.Len(t, env.Schedule, 2)
	assert.InDelta(t, 0.4, env.Schedule[0], 1e-12)
	assert.InDelta(t, 0.8, env.Schedule[1], 1e-12)
}

func TestBootstrap_FlagOverridesFactor(t *testing.T) {
	dir := writeFiles(t, map[string]string{"master.dss": master, "parts.dss": parts})
	env, err := Bootstrap(Flags{
		EnvFile:       filepath.Join(dir, "missing.env"),
		Network:       filepath.Join(dir, "master.dss"),
		MaxLoadFactor: 0.5,
	})
	require.NoError(t, err)
	assert.Len(t, env.Schedule, 24)
	assert.InDelta(t, 0.5, env.Schedule.Peak(), 1e-12)
	assert.Empty(t, env.Network.Generators)
}

func TestBootstrap_Errors(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"master.dss": master,
		"parts.dss":  parts,
		"bad.yaml":   "max_load_factor: -1\n",
	})
	missingEnv := filepath.Join(dir, "missing.env")
	t.Setenv("LOADFLOW_NETWORK", "")

	_, err := Bootstrap(Flags{EnvFile: missingEnv})
	assert.ErrorContains(t, err, "no network")

	_, err = Bootstrap(Flags{EnvFile: missingEnv, Config: filepath.Join(dir, "bad.yaml"), Network: filepath.Join(dir, "master.dss")})
	assert.ErrorContains(t, err, "invalid configuration")

	_, err = Bootstrap(Flags{EnvFile: missingEnv, Network: filepath.Join(dir, "nope.dss")})
	assert.ErrorContains(t, err, "loading network")

	_, err = Bootstrap(Flags{EnvFile: missingEnv, Network: filepath.Join(dir, "master.dss"), ScheduleFile: filepath.Join(dir, "nope.csv")})
	assert.ErrorContains(t, err, "loading schedule")

	_, err = Bootstrap(Flags{EnvFile: missingEnv, Network: filepath.Join(dir, "master.dss"), LogLevel: "loud"})
	assert.Error(t, err)
}
