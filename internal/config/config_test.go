package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/childbook/internal/model"
)

func clearCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("RUNCOMFY_USER_ID", "")
	t.Setenv("RUNCOMFY_API_TOKEN", "")
	t.Setenv("RUNCOMFY_USER_ID_FILE", "")
	t.Setenv("RUNCOMFY_API_TOKEN_FILE", "")
	t.Setenv("RUNCOMFY_KEYS_FILE", filepath.Join(t.TempDir(), "absent.json"))
}

func TestLoad_Defaults(t *testing.T) {
	clearCredentials(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "medium", cfg.Instance.Machine)
	assert.Equal(t, 7200*time.Second, cfg.Instance.GenDuration)
	assert.Equal(t, 14400*time.Second, cfg.Instance.UpscaleDuration)
	assert.Equal(t, 10*time.Minute, cfg.Instance.ProvisionTimeout)
	assert.Equal(t, 3*time.Second, cfg.Workflow.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Workflow.PollErrorDelay)
	assert.Equal(t, 2, cfg.Workflow.InnerAttempts)
	assert.Equal(t, 3, cfg.Workflow.OuterAttempts)
	assert.Equal(t, TilesConfig{Width: 1024, Height: 1024, Columns: 5, Rows: 5}, cfg.Tiles)
	assert.Equal(t, PPIConfig{Value: 450, ShortSide: 1772, MinWidth: 1772}, cfg.PPI)
	assert.Equal(t, model.BillingHobby, cfg.Billing.Type)
	assert.Equal(t, float64(5), cfg.Billing.StartupMinutes)

	require.Contains(t, cfg.Styles, model.StyleWatercolor)
	wc := cfg.Styles[model.StyleWatercolor]
	assert.Equal(t, "202", wc.SeedNode)
	assert.Equal(t, []string{"101", "140"}, wc.BatchNodes)
	assert.Equal(t, "177", wc.TextNode)
	assert.Equal(t, 4, wc.BatchSize)
	assert.Equal(t, 2, cfg.Styles[model.StyleFlat].BatchSize)
	assert.Equal(t, "264", cfg.Upscale.ImageNode)

	assert.Equal(t, filepath.Join("workspace", "child-book-upscaled"), cfg.Paths.UpscaleOutput)
	assert.Equal(t, filepath.Join("workspace", "log", "child-book-run.csv"), cfg.Paths.RunLog)

	require.NoError(t, cfg.Validate())
}

func TestLoadFrom_FileAndEnv(t *testing.T) {
	clearCredentials(t)
	t.Setenv("RUNCOMFY_MACHINE", "large")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
paths:
  base: /data/book
  crop_output: /scratch/tiles
workflow:
  poll_interval: 1s
styles:
  flat:
    batch_size: 6
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "large", cfg.Instance.Machine)
	assert.Equal(t, time.Second, cfg.Workflow.PollInterval)
	assert.Equal(t, 6, cfg.Styles[model.StyleFlat].BatchSize)
	assert.Equal(t, "202", cfg.Styles[model.StyleFlat].SeedNode)
	assert.Equal(t, filepath.Join("/data/book", "child-book-gen"), cfg.Paths.GenOutput)
	assert.Equal(t, "/scratch/tiles", cfg.Paths.CropOutput)
}

func TestLoadFrom_MissingExplicitFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRequireCredentials(t *testing.T) {
	clearCredentials(t)

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.RunComfy.RequireCredentials()
	assert.ErrorIs(t, err, ErrConfigMissing)
	assert.Contains(t, err.Error(), "RUNCOMFY_USER_ID")
	assert.Contains(t, err.Error(), "RUNCOMFY_API_TOKEN")
}

func TestLoad_KeysFile(t *testing.T) {
	clearCredentials(t)
	keys := filepath.Join(t.TempDir(), "runcomfy_keys.json")
	require.NoError(t, os.WriteFile(keys, []byte(`{"RUNCOMFY_USER_ID":"u-1","RUNCOMFY_API_TOKEN":"tok"}`), 0o600))
	t.Setenv("RUNCOMFY_KEYS_FILE", keys)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "u-1", cfg.RunComfy.UserID)
	assert.Equal(t, "tok", cfg.RunComfy.APIToken)
	assert.NoError(t, cfg.RunComfy.RequireCredentials())
}

func TestLoad_SecretFile(t *testing.T) {
	clearCredentials(t)
	secret := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(secret, []byte("from-secret\n"), 0o600))
	t.Setenv("RUNCOMFY_API_TOKEN_FILE", secret)
	t.Setenv("RUNCOMFY_USER_ID", "env-user")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-user", cfg.RunComfy.UserID)
	assert.Equal(t, "from-secret", cfg.RunComfy.APIToken)
}

func TestValidate_RejectsBadGrid(t *testing.T) {
	clearCredentials(t)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Tiles.Columns = 1
	assert.Error(t, cfg.Validate())
}
