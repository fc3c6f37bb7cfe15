package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewright/internal/approval"
	"pipewright/internal/config"
	"pipewright/internal/core"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ArtifactRoot = filepath.Join(dir, "artifacts")
	cfg.JournalPath = filepath.Join(dir, "journal.jsonl")
	cfg.CancelGrace = config.Duration(2 * time.Second)
	cfg.Environments = []config.Environment{
		{Name: "production", Approval: "required", Approvers: []string{"alice"}},
	}

	s, err := New(cfg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// tryGetRun avoids failing the test from inside Eventually's poll goroutine.
func tryGetRun(base, id string) (core.RunView, error) {
	resp, err := http.Get(base + "/api/v1/runs/" + id)
	if err != nil {
		return core.RunView{}, err
	}
	defer resp.Body.Close()
	var v core.RunView
	return v, json.NewDecoder(resp.Body).Decode(&v)
}

func getRun(t *testing.T, base, id string) core.RunView {
	t.Helper()
	view, err := tryGetRun(base, id)
	require.NoError(t, err)
	return view
}

func waitForRunStatus(t *testing.T, base, id, status string) core.RunView {
	t.Helper()
	var view core.RunView
	require.Eventually(t, func() bool {
		v, err := tryGetRun(base, id)
		if err != nil {
			return false
		}
		view = v
		return view.Status == status
	}, 10*time.Second, 20*time.Millisecond, "run %s never reached %s", id, status)
	return view
}

const echoPipeline = `
name: quick
stages:
  - name: CI
    jobs:
      - name: unit
        steps:
          - run: echo tests passed
`

func TestTriggerMalformedDefinition(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{"definition": "name: p"})
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "stages")
}

func TestTriggerCyclicDefinition(t *testing.T) {
	_, ts := newTestServer(t)

	def := `
name: loop
stages:
  - name: a
    dependsOn: [b]
    jobs: [{name: j, steps: [{run: "true"}]}]
  - name: b
    dependsOn: [a]
    jobs: [{name: j, steps: [{run: "true"}]}]
`
	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{"definition": def})
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "cycle")
}

func TestRunLifecycleAndArtifacts(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{
		"definition": echoPipeline,
		"branch":     "main",
		"event":      "push",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	trig := decodeBody[map[string]string](t, resp)
	runID := trig["runId"]
	require.NotEmpty(t, runID)

	view := waitForRunStatus(t, ts.URL, runID, "succeeded")
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, "succeeded", view.Nodes[0].State)
	assert.Equal(t, "main", view.Trigger.Branch)

	// Artifact listing and ranged read.
	listResp, err := http.Get(fmt.Sprintf("%s/api/v1/runs/%s/nodes/CI/artifacts", ts.URL, runID))
	require.NoError(t, err)
	infos := decodeBody[[]map[string]any](t, listResp)
	require.Len(t, infos, 1)
	assert.Equal(t, "unit.log", infos[0]["name"])

	artResp, err := http.Get(fmt.Sprintf("%s/api/v1/runs/%s/nodes/CI/artifacts/unit.log", ts.URL, runID))
	require.NoError(t, err)
	defer artResp.Body.Close()
	data, err := io.ReadAll(artResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tests passed")

	// Journal is queryable per run.
	jResp, err := http.Get(fmt.Sprintf("%s/api/v1/runs/%s/journal", ts.URL, runID))
	require.NoError(t, err)
	entries := decodeBody[[]map[string]any](t, jResp)
	assert.NotEmpty(t, entries)
}

func TestGetUnknownRun(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/runs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	def := `
name: release
stages:
  - name: CI
    jobs: [{name: unit, steps: [{run: "echo ok"}]}]
  - name: DeployProd
    dependsOn: [CI]
    environment: production
    jobs: [{name: deploy, steps: [{run: "echo deployed"}]}]
`
	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{"definition": def})
	trig := decodeBody[map[string]string](t, resp)
	runID := trig["runId"]

	// The run stalls awaiting approval.
	var pending []approval.Request
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/v1/approvals?runId=" + runID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&pending); err != nil {
			return false
		}
		return len(pending) == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "DeployProd", pending[0].Stage)

	view := getRun(t, ts.URL, runID)
	assert.Equal(t, "running", view.Status)

	// Unauthorized approver is rejected.
	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+pending[0].ID,
		map[string]string{"approver": "mallory", "decision": "approved"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Bad decision value.
	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+pending[0].ID,
		map[string]string{"approver": "alice", "decision": "maybe"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Authorized approval lets the run finish.
	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+pending[0].ID,
		map[string]string{"approver": "alice", "decision": "approved"})
	decided := decodeBody[approval.Request](t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", decided.State)

	waitForRunStatus(t, ts.URL, runID, "succeeded")

	// Double decision conflicts.
	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+pending[0].ID,
		map[string]string{"approver": "alice", "decision": "rejected"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelRunOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	def := `
name: slow
stages:
  - name: long
    jobs: [{name: wait, steps: [{run: "sleep 30"}]}]
`
	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{"definition": def})
	trig := decodeBody[map[string]string](t, resp)
	runID := trig["runId"]

	require.Eventually(t, func() bool {
		v, err := tryGetRun(ts.URL, runID)
		return err == nil && len(v.Nodes) == 1 && v.Nodes[0].State == "running"
	}, 10*time.Second, 20*time.Millisecond)

	resp = postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	view := waitForRunStatus(t, ts.URL, runID, "cancelled")
	assert.Equal(t, "cancelled", view.Nodes[0].State)

	// Cancelling a finished run conflicts.
	resp = postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
