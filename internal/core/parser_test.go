package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDefinition = `
name: release
stages:
  - name: CI
    jobs:
      - name: unit-tests
        steps:
          - name: pytest
            tool: pytest
            args: ["-q", "tests/"]
          - name: lint
            run: pylint src/
            continueOnError: true
  - name: Performance
    dependsOn: [CI]
    jobs:
      - name: load
        steps:
          - run: k6 run smoke.js
            timeout: 30m
            retries: 2
  - name: DeployProd
    dependsOn: [Performance]
    environment: production
    condition: succeeded
    jobs:
      - name: deploy
        steps:
          - run: ./deploy.sh prod
            env:
              TARGET: prod
`

func TestParseValidDefinition(t *testing.T) {
	p, err := Parse([]byte(validDefinition))
	require.NoError(t, err)

	assert.Equal(t, "release", p.Name)
	require.Len(t, p.Stages, 3)

	ci := p.Stages[0]
	assert.Empty(t, ci.DependsOn)
	require.Len(t, ci.Jobs, 1)
	require.Len(t, ci.Jobs[0].Steps, 2)

	pytest := ci.Jobs[0].Steps[0]
	assert.Equal(t, StepTool, pytest.Kind)
	assert.Equal(t, "pytest", pytest.Tool)
	assert.Equal(t, []string{"-q", "tests/"}, pytest.Args)
	assert.Equal(t, defaultStepTimeout, pytest.Timeout)

	lint := ci.Jobs[0].Steps[1]
	assert.Equal(t, StepRun, lint.Kind)
	assert.Equal(t, "sh", lint.Shell)
	assert.True(t, lint.ContinueOnError)

	perf := p.Stages[1]
	assert.Equal(t, []string{"CI"}, perf.DependsOn)
	assert.Equal(t, 30*time.Minute, perf.Jobs[0].Steps[0].Timeout)
	assert.Equal(t, 2, perf.Jobs[0].Steps[0].Retries)

	prod := p.Stages[2]
	assert.Equal(t, "production", prod.Environment)
	assert.Equal(t, CondSucceeded, prod.Condition)
	assert.Equal(t, map[string]string{"TARGET": "prod"}, prod.Jobs[0].Steps[0].Env)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"empty document", "", "pipeline"},
		{"invalid yaml", "name: [unclosed", "pipeline"},
		{"missing pipeline name", "stages: [{name: a, jobs: [{name: j, steps: [{run: x}]}]}]", "pipeline.name"},
		{"no stages", "name: p", "pipeline.stages"},
		{"missing stage name", "name: p\nstages: [{jobs: [{name: j, steps: [{run: x}]}]}]", "stages[0].name"},
		{
			"duplicate stage",
			"name: p\nstages: [{name: a, jobs: [{name: j, steps: [{run: x}]}]}, {name: a, jobs: [{name: j, steps: [{run: x}]}]}]",
			"stages[1].name",
		},
		{"stage without jobs", "name: p\nstages: [{name: a}]", "stages[0].jobs"},
		{
			"duplicate job in stage",
			"name: p\nstages: [{name: a, jobs: [{name: j, steps: [{run: x}]}, {name: j, steps: [{run: y}]}]}]",
			"stages[0].jobs[1].name",
		},
		{"job without steps", "name: p\nstages: [{name: a, jobs: [{name: j}]}]", "stages[0].jobs[0].steps"},
		{"step without kind", "name: p\nstages: [{name: a, jobs: [{name: j, steps: [{name: s}]}]}]", "stages[0].jobs[0].steps[0]"},
		{
			"step with both kinds",
			"name: p\nstages: [{name: a, jobs: [{name: j, steps: [{run: x, tool: y}]}]}]",
			"stages[0].jobs[0].steps[0]",
		},
		{
			"args on run step",
			"name: p\nstages: [{name: a, jobs: [{name: j, steps: [{run: x, args: [y]}]}]}]",
			"stages[0].jobs[0].steps[0].args",
		},
		{
			"shell on tool step",
			"name: p\nstages: [{name: a, jobs: [{name: j, steps: [{tool: x, shell: bash}]}]}]",
			"stages[0].jobs[0].steps[0].shell",
		},
		{
			"negative retries",
			"name: p\nstages: [{name: a, jobs: [{name: j, steps: [{run: x, retries: -1}]}]}]",
			"stages[0].jobs[0].steps[0].retries",
		},
		{
			"bad timeout",
			"name: p\nstages: [{name: a, jobs: [{name: j, steps: [{run: x, timeout: soon}]}]}]",
			"stages[0].jobs[0].steps[0].timeout",
		},
		{
			"unknown condition",
			"name: p\nstages: [{name: a, condition: sometimes, jobs: [{name: j, steps: [{run: x}]}]}]",
			"stages[0].condition",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			require.ErrorIs(t, err, ErrParse)

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.field, pe.Field)
		})
	}
}
