package pipelines

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptkit-io/activator/internal/visit"
)

func strPtr(s string) *string { return &s }

func surveyVisit(survey string) visit.Visit {
	return visit.Visit{GroupID: "group-1", Instrument: "LSSTComCam", Survey: survey}
}

func TestNew_FirstMatchingRuleWins(t *testing.T) {
	cfg, err := New([]Rule{
		{Survey: strPtr("SURVEY"), Pipelines: []string{"/etc/pipelines/ApPipe.yaml"}},
		{Pipelines: []string{"/etc/pipelines/ISR.yaml"}},
	})
	require.NoError(t, err)

	files, err := cfg.Resolve(surveyVisit("SURVEY"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "ApPipe", BaseName(files[0]))

	// Anything else falls through to the catch-all rule.
	files, err = cfg.Resolve(surveyVisit("OTHER"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "ISR", BaseName(files[0]))
}

func TestNew_EmptyRuleListRejected(t *testing.T) {
	_, err := New(nil)

	assert.ErrorIs(t, err, ErrEmptyConfig)
}

func TestNew_DuplicateBaseNamesRejected(t *testing.T) {
	_, err := New([]Rule{
		{Pipelines: []string{"/a/ApPipe.yaml", "/b/ApPipe.yaml"}},
	})

	assert.ErrorContains(t, err, "ApPipe")
}

func TestNew_RejectsNoneAsPath(t *testing.T) {
	_, err := New([]Rule{{Pipelines: []string{"None"}}})

	assert.Error(t, err)
}

func TestNew_ExpandsEnvironment(t *testing.T) {
	t.Setenv("PIPELINE_DIR", "/opt/pipelines")

	cfg, err := New([]Rule{{Pipelines: []string{"$PIPELINE_DIR/ApPipe.yaml"}}})
	require.NoError(t, err)

	files, err := cfg.Resolve(surveyVisit("any"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.FromSlash("/opt/pipelines/ApPipe.yaml"), files[0])
}

func TestResolve_SkipRule(t *testing.T) {
	cfg, err := New([]Rule{
		{Survey: strPtr("unsupported"), Pipelines: nil},
		{Pipelines: []string{"/etc/pipelines/ApPipe.yaml"}},
	})
	require.NoError(t, err)

	// The matching rule is empty: the visit should be skipped, not passed on
	// to the catch-all.
	files, err := cfg.Resolve(surveyVisit("unsupported"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestResolve_NoMatchingRule(t *testing.T) {
	cfg, err := New([]Rule{
		{Survey: strPtr("SURVEY"), Pipelines: []string{"/etc/pipelines/ApPipe.yaml"}},
	})
	require.NoError(t, err)

	_, err = cfg.Resolve(surveyVisit("OTHER"))

	assert.ErrorIs(t, err, ErrNoMatchingRule)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
- survey: SURVEY
  pipelines: ['/etc/pipelines/ApPipe.yaml', '/etc/pipelines/ISR.yaml']
- survey: engineering
  pipelines: None
- pipelines: ['/etc/pipelines/Default.yaml']
`))
	require.NoError(t, err)

	files, err := cfg.Resolve(surveyVisit("SURVEY"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = cfg.Resolve(surveyVisit("engineering"))
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = cfg.Resolve(surveyVisit("anything"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestParse_NullPipelines(t *testing.T) {
	cfg, err := Parse([]byte(`
- survey: idle
  pipelines:
- pipelines: ['/etc/pipelines/Default.yaml']
`))
	require.NoError(t, err)

	files, err := cfg.Resolve(surveyVisit("idle"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "not yaml", yaml: "{{"},
		{name: "scalar pipelines", yaml: "- pipelines: ApPipe.yaml"},
		{name: "mapping pipelines", yaml: "- pipelines: {a: b}"},
		{name: "empty document", yaml: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))

			assert.Error(t, err)
		})
	}
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "ApPipe", BaseName("/etc/pipelines/ApPipe.yaml"))
	assert.Equal(t, "ISR", BaseName("ISR.yaml"))
}
