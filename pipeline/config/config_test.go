package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite covers loading, defaults and validation
type ConfigTestSuite struct {
	suite.Suite
	logger  logrus.FieldLogger
	tempDir string
}

func (suite *ConfigTestSuite) SetupTest() {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	suite.logger = log.WithField("test", "config")
	suite.tempDir = suite.T().TempDir()
}

func (suite *ConfigTestSuite) writeConfig(content string) string {
	path := filepath.Join(suite.tempDir, "fleet.yaml")
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0644))
	return path
}

func (suite *ConfigTestSuite) TestDefaultConfig() {
	t := suite.T()
	cfg := DefaultConfig()

	assert.Equal(t, "auto", cfg.Data.Backend)
	assert.Equal(t, 1000, cfg.Data.MaxContextRows)
	assert.Equal(t, 12000, cfg.Data.MaxContextChars)
	assert.Equal(t, "http://localhost:8000", cfg.NIM.BaseURL)
	assert.Equal(t, "meta/llama3-8b-instruct", cfg.NIM.Model)
	assert.False(t, cfg.PostgreSQL.Enabled)
	assert.NoError(t, cfg.Validate())
}

func (suite *ConfigTestSuite) TestLoadEmptyPath() {
	cfg, err := LoadFromFile("", suite.logger)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), DefaultConfig(), cfg)
}

func (suite *ConfigTestSuite) TestLoadWithEnvAndDefaults() {
	t := suite.T()
	t.Setenv("FLEET_NIM_URL", "http://nim.internal:8000")
	t.Setenv("FLEET_PG_PASSWORD", "s3cret")

	path := suite.writeConfig(`
data:
  path: /data/fleet/day1.parquet
  backend: standard
  max_context_rows: 50
nim:
  base_url: ${FLEET_NIM_URL}
  model: ${FLEET_NIM_MODEL:-meta/llama3-70b-instruct}
postgresql:
  enabled: true
  password: ${FLEET_PG_PASSWORD:?postgres password required}
`)

	cfg, err := LoadFromFile(path, suite.logger)
	require.NoError(t, err)

	assert.Equal(t, "/data/fleet/day1.parquet", cfg.Data.Path)
	assert.Equal(t, "standard", cfg.Data.Backend)
	assert.Equal(t, 50, cfg.Data.MaxContextRows)
	assert.Equal(t, 12000, cfg.Data.MaxContextChars)
	assert.Equal(t, "http://nim.internal:8000", cfg.NIM.BaseURL)
	assert.Equal(t, "meta/llama3-70b-instruct", cfg.NIM.Model)
	assert.Equal(t, "120s", cfg.NIM.Timeout)
	assert.Equal(t, "s3cret", cfg.PostgreSQL.Password)
	assert.Equal(t, 5432, cfg.PostgreSQL.Port)
	assert.Equal(t, ":8081", cfg.API.Addr)
	assert.Contains(t, cfg.PostgreSQL.ConnectionString(), "password=s3cret")
}

func (suite *ConfigTestSuite) TestLoadMissingRequiredEnv() {
	path := suite.writeConfig(`
nim:
  api_key: ${FLEET_UNSET_API_KEY:?nim api key required}
`)
	_, err := LoadFromFile(path, suite.logger)
	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "nim api key required")
}

func (suite *ConfigTestSuite) TestLoadErrors() {
	t := suite.T()

	_, err := LoadFromFile(filepath.Join(suite.tempDir, "missing.yaml"), suite.logger)
	assert.Error(t, err)

	_, err = LoadFromFile(suite.writeConfig("data: [not, a, map"), suite.logger)
	assert.Error(t, err)

	_, err = LoadFromFile(suite.writeConfig("data:\n  backend: gpu\n"), suite.logger)
	assert.ErrorContains(t, err, "data.backend")
}

func (suite *ConfigTestSuite) TestValidate() {
	t := suite.T()

	cases := map[string]func(c *Config){
		"log level":     func(c *Config) { c.LogLevel = "loud" },
		"context rows":  func(c *Config) { c.Data.MaxContextRows = -1 },
		"context chars": func(c *Config) { c.Data.MaxContextChars = -5 },
		"nim url":       func(c *Config) { c.NIM.BaseURL = "localhost:8000" },
		"nim timeout":   func(c *Config) { c.NIM.Timeout = "soon" },
		"pg port":       func(c *Config) { c.PostgreSQL.Enabled = true; c.PostgreSQL.Port = 70000 },
		"pg user":       func(c *Config) { c.PostgreSQL.Enabled = true; c.PostgreSQL.User = "" },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	// Disabled PostgreSQL is not validated
	cfg := DefaultConfig()
	cfg.PostgreSQL.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test_value")
	t.Setenv("SET_VAR", "set_value")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple", "value: ${TEST_VAR}", "value: test_value"},
		{"multiple", "a: ${TEST_VAR}, b: ${SET_VAR}", "a: test_value, b: set_value"},
		{"inside url", "url: http://${TEST_VAR}:8080", "url: http://test_value:8080"},
		{"no references", "plain text", "plain text"},
		{"unset is empty", "value: ${FLEET_EMPTY_VAR}", "value: "},
		{"default when unset", "value: ${FLEET_UNSET:-fallback}", "value: fallback"},
		{"value over default", "value: ${SET_VAR:-fallback}", "value: set_value"},
		{"default with colon", "url: ${FLEET_UNSET:-http://localhost:8000}", "url: http://localhost:8000"},
		{"escaped", "literal: $${TEST_VAR}", "literal: ${TEST_VAR}"},
		{"unterminated", "broken: ${TEST_VAR", "broken: ${TEST_VAR"},
		{"required present", "value: ${SET_VAR:?missing}", "value: set_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := SubstituteEnvVars(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}

	t.Run("required missing", func(t *testing.T) {
		result, err := SubstituteEnvVars("a: ${FLEET_UNSET_A:?need A} b: ${FLEET_UNSET_B:?}")
		require.Error(t, err)
		assert.Equal(t, "need A", err.Error())
		assert.Equal(t, "a:  b: ", result)
	})

	t.Run("required missing default message", func(t *testing.T) {
		_, err := SubstituteEnvVars("${FLEET_UNSET_C:?}")
		assert.EqualError(t, err, "required environment variable FLEET_UNSET_C is not set")
	})
}
