// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate(), "shipped defaults must pass validation")
}

func TestLoadAppliesYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"chunker:\n  window_size: 500\nretrieval:\n  top_k: 3\n"), 0o644))
	t.Setenv("REDLINE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Chunker.WindowSize)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	// Untouched sections keep the defaults.
	assert.Equal(t, Default().Diff.FuzzyThreshold, cfg.Diff.FuzzyThreshold)
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  top_k: 3\n"), 0o644))
	t.Setenv("REDLINE_CONFIG", path)
	t.Setenv("REDLINE_TOP_K", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retrieval.TopK)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"diff:\n  fuzzy_threshold: 1.5\n"), 0o644))
	t.Setenv("REDLINE_CONFIG", path)

	_, err := Load()
	assert.Error(t, err, "threshold above 1 must fail validation")
}

func TestNonNumericEnvOverrideIsIgnored(t *testing.T) {
	t.Setenv("REDLINE_TOP_K", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Retrieval.TopK, cfg.Retrieval.TopK)
}
