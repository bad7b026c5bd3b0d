package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "sample"}
	cmd.Flags().String("passphrase", "", "")
	cmd.Flags().String("key-file", "", "")
	cmd.Flags().String("store-path", "", "")
	cmd.Flags().Bool("json", false, "")

	require.NoError(t, cmd.Flags().Parse([]string{
		"--passphrase", "hunter2",
		"--key-file", "/keys/master.key",
		"--store-path", "/data/store",
	}))

	flags := sanitizeFlags(cmd)

	assert.Equal(t, "[REDACTED]", flags["passphrase"], "passphrase values never reach the audit trail")
	assert.Equal(t, "[REDACTED]", flags["key-file"], "key paths are treated as sensitive")
	assert.Equal(t, "/data/store", flags["store-path"])
	assert.NotContains(t, flags, "json", "flags left at their default are omitted")
}

func TestIsSensitiveFlag(t *testing.T) {
	assert.True(t, isSensitiveFlag("passphrase"))
	assert.True(t, isSensitiveFlag("audit-secret"))
	assert.True(t, isSensitiveFlag("API-Token"))
	assert.False(t, isSensitiveFlag("store-path"))
	assert.False(t, isSensitiveFlag("erase-passes"))
}
