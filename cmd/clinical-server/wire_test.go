package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/config"
	"github.com/bull/clinical-rag-agent/internal/tools/interactions"
)

func TestInteractionChecker(t *testing.T) {
	t.Run("none configured", func(t *testing.T) {
		c, err := interactionChecker(config.InteractionsConfig{})
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("http", func(t *testing.T) {
		c, err := interactionChecker(config.InteractionsConfig{BaseURL: "http://drugs.local"})
		require.NoError(t, err)
		assert.IsType(t, &interactions.HTTPChecker{}, c)
	})

	t.Run("table wins over http", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "interactions.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`interactions:
  - drugs: [warfarin, aspirin]
    severity: major
    description: bleeding risk
`), 0o644))

		c, err := interactionChecker(config.InteractionsConfig{TablePath: path, BaseURL: "http://drugs.local"})
		require.NoError(t, err)
		assert.IsType(t, &interactions.TableChecker{}, c)
	})

	t.Run("missing table", func(t *testing.T) {
		_, err := interactionChecker(config.InteractionsConfig{TablePath: filepath.Join(t.TempDir(), "nope.yaml")})
		assert.Error(t, err)
	})
}
