package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owleval/internal/config"
	"owleval/internal/repo"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("PROLIFIC_API_TOKEN", "")
	ws := t.TempDir()
	c, err := Open(context.Background(), Options{Workspace: ws, LogOutput: io.Discard})
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Engine.Prolific)
	assert.Equal(t, config.Default().Prolific.TokenEnv, c.Config.Prolific.TokenEnv)
	exps, err := c.Engine.ListExperiments(context.Background(), repo.ExperimentFilter{})
	require.NoError(t, err)
	assert.Empty(t, exps)
}

func TestOpenRequireConfig(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), RequireConfig: true, LogOutput: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config init")
}

func TestOpenAttachesProlificClientFromDotenv(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("OWLEVAL_TEST_TOKEN", "")
	os.Unsetenv("OWLEVAL_TEST_TOKEN")
	cfg := strings.Replace(config.GenerateDefault(), "token_env: PROLIFIC_API_TOKEN", "token_env: OWLEVAL_TEST_TOKEN", 1)
	require.NoError(t, os.WriteFile(filepath.Join(ws, config.FileName), []byte(cfg), 0o644))
	_, err := SetEnvValue(ws, "OWLEVAL_TEST_TOKEN", "secret-token")
	require.NoError(t, err)

	c, err := Open(context.Background(), Options{Workspace: ws, LogOutput: io.Discard})
	require.NoError(t, err)
	defer c.Close()
	assert.NotNil(t, c.Engine.Prolific)
	assert.Equal(t, "secret-token", os.Getenv("OWLEVAL_TEST_TOKEN"))
}

func TestSetEnvValueKeepsOtherKeys(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, EnvFile), []byte("A=1\nB=2\n"), 0o644))
	path, err := SetEnvValue(ws, "B", "3")
	require.NoError(t, err)
	_, err = SetEnvValue(ws, CurrentExperimentKey, "forest-walk")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "A=1")
	assert.Contains(t, string(data), "B=3")
	assert.Contains(t, string(data), `OWLEVAL_EXPERIMENT="forest-walk"`)
}

