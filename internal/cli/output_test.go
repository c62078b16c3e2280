package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"kbsync/features/syncer"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "run", errors.New("inner")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
}

func TestExitError_Message(t *testing.T) {
	inner := errors.New("disk full")
	err := WrapExitError(ExitFailure, "save snapshot", inner)
	assert.Equal(t, "save snapshot: disk full", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "bad flag", NewExitError(ExitCommandError, "bad flag").Error())
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: FormatJSON, Writer: buf}

	require.NoError(t, f.Success(map[string]int{"tracked_articles": 3}, nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"tracked_articles": float64(3)}, resp.Data)
}

func TestOutputFormatter_YAMLFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: FormatYAML, Writer: buf}

	rep := &syncer.Report{RunID: "run-9", Status: syncer.StatusCancelled, Failures: []syncer.Failure{}}
	require.NoError(t, f.Failure("RUN_CANCELLED", "sync run cancelled", rep, nil))

	var resp struct {
		Status string `yaml:"status"`
		Data   struct {
			RunID  string `yaml:"run_id"`
			Status string `yaml:"status"`
		} `yaml:"data"`
		Error CLIError `yaml:"error"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "run-9", resp.Data.RunID)
	assert.Equal(t, syncer.StatusCancelled, resp.Data.Status)
	assert.Equal(t, CLIError{Code: "RUN_CANCELLED", Message: "sync run cancelled"}, resp.Error)
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: FormatText, Writer: buf}

	err := f.Success("ignored", func(w io.Writer) error {
		_, err := io.WriteString(w, "All synced\n")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "All synced\n", buf.String())
}

func TestReportRun(t *testing.T) {
	rep := &syncer.Report{RunID: "run-1", Status: syncer.StatusCompleted, Failures: []syncer.Failure{}}

	tests := []struct {
		name     string
		rep      *syncer.Report
		runErr   error
		wantCode int
		wantErr  string
	}{
		{"completed", rep, nil, ExitSuccess, ""},
		{"cancelled", rep, syncer.ErrRunCancelled, ExitFailure, "RUN_CANCELLED"},
		{"empty corpus", rep, syncer.ErrEmptyCorpus, ExitFailure, "EMPTY_CORPUS"},
		{"bind failure", rep, fmt.Errorf("bind assistant: %w", errors.New("quota")), ExitFailure, "RUN_FAILED"},
		{"overlapping run", nil, syncer.ErrRunInProgress, ExitFailure, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			err := reportRun(&OutputFormatter{Format: FormatJSON, Writer: buf}, tt.rep, tt.runErr)
			assert.Equal(t, tt.wantCode, GetExitCode(err))

			if tt.rep == nil {
				assert.Empty(t, buf.String())
				return
			}
			var resp CLIResponse
			require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
			if tt.wantErr == "" {
				assert.Equal(t, "ok", resp.Status)
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantErr, resp.Error.Code)
		})
	}
}
