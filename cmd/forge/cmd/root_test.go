package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Use] = true
	}
	assert.True(t, names["serve"], "serve command should be registered")
	assert.True(t, names["migrate"], "migrate command should be registered")
	assert.True(t, names["version"], "version command should be registered")
}

func TestInitConfig_NoConfigFileIsNotAnError(t *testing.T) {
	cfgFile = ""
	require.NoError(t, initConfig())
}

func TestInitConfig_MissingConfigFileIsNotAnError(t *testing.T) {
	cfgFile = "/nonexistent/path/forge.yaml"
	defer func() { cfgFile = "" }()
	require.NoError(t, initConfig())
}
