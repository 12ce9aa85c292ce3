package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPolicyBundleAppliesOnlySetFields(t *testing.T) {
	path := writeTempConfig(t, "task_queue_weight: 8\n")
	bundle, err := LoadPolicyBundle(path)
	require.NoError(t, err)

	wq, wc, tpl := 1.0, 1.0, "generic"
	bundle.ApplyOverrides(&wq, &wc, &tpl)
	assert.Equal(t, 8.0, wq)
	assert.Equal(t, 1.0, wc)
	assert.Equal(t, "generic", tpl)
}

func TestLoadPolicyBundleRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, "bogus_field: 1\n")
	_, err := LoadPolicyBundle(path)
	require.Error(t, err)
}

func TestLoadPolicyBundleRejectsNegativeWeight(t *testing.T) {
	path := writeTempConfig(t, "cache_token_weight: -1\n")
	_, err := LoadPolicyBundle(path)
	require.Error(t, err)
}

func TestLoadPolicyBundleMissingFileErrors(t *testing.T) {
	_, err := LoadPolicyBundle("/nonexistent/path.yaml")
	require.Error(t, err)
}

func TestApplyOverridesNilBundleIsNoop(t *testing.T) {
	var bundle *PolicyBundle
	wq, wc, tpl := 1.0, 2.0, "generic"
	bundle.ApplyOverrides(&wq, &wc, &tpl)
	assert.Equal(t, 1.0, wq)
	assert.Equal(t, 2.0, wc)
	assert.Equal(t, "generic", tpl)
}
