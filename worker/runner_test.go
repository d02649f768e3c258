package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmesh/protocol"
)

func TestRunnerInitModel(t *testing.T) {
	var got initModelDto
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, modelInitPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewRunnerClient(srv.URL)
	err := client.InitModel(context.Background(), "llama-7b", "tensor_parallel",
		protocol.ShardSpec{StartLayer: 8, EndLayer: 15, TotalLayers: 32, Stage: 1})
	require.NoError(t, err)

	assert.Equal(t, "llama-7b", got.Model)
	assert.Equal(t, "tensor_parallel", got.Strategy)
	assert.Equal(t, 8, got.StartLayer)
	assert.Equal(t, 15, got.EndLayer)
	assert.Equal(t, 32, got.TotalLayers)
	assert.Equal(t, 1, got.Stage)
}

func TestRunnerInitModelFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewRunnerClient(srv.URL).InitModel(context.Background(), "nope", "tensor_parallel", protocol.ShardSpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestRunnerProcess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, modelProcessPath, r.URL.Path)
		var dto processDto
		require.NoError(t, json.NewDecoder(r.Body).Decode(&dto))
		assert.JSONEq(t, `"prompt"`, string(dto.Input))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tokens":["a","b"]}`))
	}))
	defer srv.Close()

	out, err := NewRunnerClient(srv.URL).Process(context.Background(),
		protocol.ShardSpec{StartLayer: 0, EndLayer: 7}, json.RawMessage(`"prompt"`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"tokens":["a","b"]}`, string(out))
}

func TestRunnerProcessRespectsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunnerClient(srv.URL).Process(ctx, protocol.ShardSpec{}, json.RawMessage(`1`))
	assert.Error(t, err)
}

func TestRunnerReleaseModel(t *testing.T) {
	var got releaseDto
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, modelReleasePath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	require.NoError(t, NewRunnerClient(srv.URL).ReleaseModel(context.Background(), "j1"))
	assert.Equal(t, "j1", got.JobID)
}
