package datacatalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eumaka/swf-testbed/errors"
)

func TestDatasetName(t *testing.T) {
	assert.Equal(t, "101.stf.ds", DatasetName("101"))
}

func TestCreateDataset(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/datasets/", r.URL.Path)
		assert.Equal(t, "Bearer cat-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cat-token", "epic")
	require.NoError(t, c.CreateDataset(context.Background(), "101.stf.ds"))
	assert.Equal(t, "epic", got["scope"])
	assert.Equal(t, "101.stf.ds", got["name"])
	assert.Equal(t, DatasetOpen, got["status"])
}

func TestCreateDatasetConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", "epic")
	assert.NoError(t, c.CreateDataset(context.Background(), "101.stf.ds"),
		"existing dataset makes replayed run_imminent harmless")
}

func TestAttachFileConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", "epic")
	err := c.AttachFile(context.Background(), "101.stf.ds", FileRef{Name: "101_000001.dat"})
	assert.NoError(t, err)
}

func TestAttachFileFillsScope(t *testing.T) {
	var got struct {
		Files []FileRef `json:"files"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/datasets/epic/101.stf.ds/files", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", "epic")
	err := c.AttachFile(context.Background(), "101.stf.ds", FileRef{
		Name: "101_000001.dat", SizeBytes: 1024, Checksum: "sha256:abc",
	})
	require.NoError(t, err)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "epic", got.Files[0].Scope)
}

func TestSetDatasetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/datasets/epic/101.stf.ds/status", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, DatasetClosed, body["status"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", "epic")
	assert.NoError(t, c.SetDatasetStatus(context.Background(), "101.stf.ds", DatasetClosed))
}

func TestCatalogErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"bad request is invalid", http.StatusBadRequest, false},
		{"unauthorized is invalid", http.StatusUnauthorized, false},
		{"server error is transient", http.StatusInternalServerError, true},
		{"bad gateway is transient", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "t", "epic")
			err := c.CreateDataset(context.Background(), "101.stf.ds")
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Equal(t, !tt.transient, errors.IsInvalid(err))
		})
	}
}

func TestCatalogUnreachableIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "t", "epic")
	err := c.CreateDataset(context.Background(), "101.stf.ds")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestSubmitTask(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/", r.URL.Path)
		assert.Equal(t, "Bearer batch-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Task{
			TaskID:       "task-42",
			TaskName:     got["task_name"].(string),
			InputDataset: got["input_dataset"].(string),
			Status:       "submitted",
		})
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, "batch-token", "stf-processing")
	task, err := s.SubmitTask(context.Background(), "101", "101.stf.ds")
	require.NoError(t, err)
	assert.Equal(t, "task-42", task.TaskID)
	assert.Equal(t, "stf_process_run_101", got["task_name"])
	assert.Equal(t, "101.stf.ds", got["input_dataset"])
	assert.Equal(t, "stf-processing", got["queue"])
	assert.Contains(t, got["output_dataset"], "101.stf.ds.out.")
}

func TestSubmitTaskOutputDatasetsUnique(t *testing.T) {
	var outs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		outs = append(outs, body["output_dataset"].(string))
		json.NewEncoder(w).Encode(Task{TaskID: "t", Status: "submitted"})
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, "t", "q")
	_, err := s.SubmitTask(context.Background(), "101", "101.stf.ds")
	require.NoError(t, err)
	_, err = s.SubmitTask(context.Background(), "101", "101.stf.ds")
	require.NoError(t, err)
	assert.NotEqual(t, outs[0], outs[1], "resubmission must not collide")
}

func TestSubmitTaskRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, "t", "q")
	_, err := s.SubmitTask(context.Background(), "101", "101.stf.ds")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.True(t, errors.Is(err, errors.ErrBatchRejected))
}
