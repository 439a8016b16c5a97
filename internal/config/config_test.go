package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/config"
	"forgeline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	th := cfg.Thresholds()
	assert.Equal(t, 1, th[domain.StageUserStories])
	assert.Equal(t, 1, th[domain.StageDesignDocuments])
	assert.Equal(t, 4, th[domain.StageCode])
	assert.Equal(t, 100, cfg.Pipeline.MaxSteps)
	assert.Equal(t, config.CollectorConsole, cfg.Human.Collector)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
generator:
  provider: claude-cli
pipeline:
  thresholds:
    user_stories: 2
    design_documents: 0
    code: 3
human:
  collector: inbox
`))
	require.NoError(t, err)
	assert.Equal(t, config.ProviderClaudeCLI, cfg.Generator.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Generator.Model)
	assert.Equal(t, 3, cfg.Thresholds()[domain.StageCode])
	assert.Equal(t, config.CollectorInbox, cfg.Human.Collector)
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"unknown provider": `
generator:
  provider: openai
`,
		"missing threshold": `
pipeline:
  thresholds:
    user_stories: 1
    code: 4
`,
		"unknown stage": `
pipeline:
  thresholds:
    user_stories: 1
    design_documents: 1
    code: 4
    deploy: 1
`,
		"test review without threshold": `
pipeline:
  test_review: true
  thresholds:
    user_stories: 1
    design_documents: 1
    code: 4
`,
		"retry target on task stage": `
pipeline:
  retry_targets:
    security_review: code
`,
		"bad collector": `
human:
  collector: email
`,
		"webhook without url": `
webhooks:
  - events: [step.completed]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "forgeline.yml"), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, config.ProviderAnthropic, cfg.Generator.Provider)
}
