package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	viper.Reset()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	BindFlags(cmd)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return cmd
}

func TestLoadRequiresDataDir(t *testing.T) {
	cmd := newTestCommand(t)
	_, err := Load(cmd)
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cmd := newTestCommand(t, "--data-dir=/var/lib/tangram")
	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tangram", cfg.DataDir)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "bolt", cfg.Index.Backend)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":8476", cfg.HTTP.Address)
	assert.Equal(t, 4, cfg.Runtime.Concurrency)
}

func TestLoadHonorsFlagOverrides(t *testing.T) {
	cmd := newTestCommand(t,
		"--data-dir=/tmp/tangram",
		"--store-backend=s3",
		"--store-s3-bucket=artifacts",
		"--runtime-concurrency=16",
	)
	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Store.Backend)
	assert.Equal(t, "artifacts", cfg.Store.S3Bucket)
	assert.Equal(t, 16, cfg.Runtime.Concurrency)
}
