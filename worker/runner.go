package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"gridmesh/protocol"
	"gridmesh/utils"
)

const (
	modelInitPath    = "/api/v1/model/init"
	modelProcessPath = "/api/v1/model/process"
	modelReleasePath = "/api/v1/model/release"

	runnerTimeout = 2 * time.Minute
)

// RunnerClient talks to the model runner process colocated with the
// worker. The runner loads weights and executes layer ranges; the agent
// only moves messages.
type RunnerClient struct {
	baseURL string
	client  http.Client
}

var _ Executor = (*RunnerClient)(nil)

func NewRunnerClient(baseURL string) *RunnerClient {
	return &RunnerClient{
		baseURL: baseURL,
		client:  http.Client{Timeout: runnerTimeout},
	}
}

type initModelDto struct {
	Model       string `json:"model"`
	Strategy    string `json:"strategy"`
	StartLayer  int    `json:"start_layer"`
	EndLayer    int    `json:"end_layer"`
	TotalLayers int    `json:"total_layers"`
	Stage       int    `json:"stage"`
	BatchIndex  int    `json:"batch_index"`
}

type processDto struct {
	StartLayer int             `json:"start_layer"`
	EndLayer   int             `json:"end_layer"`
	BatchIndex int             `json:"batch_index"`
	Input      json.RawMessage `json:"input"`
}

type releaseDto struct {
	JobID string `json:"job_id"`
}

func (r *RunnerClient) InitModel(ctx context.Context, model, strategy string, shard protocol.ShardSpec) error {
	requestUrl, err := url.JoinPath(r.baseURL, modelInitPath)
	if err != nil {
		return err
	}
	dto := initModelDto{
		Model:       model,
		Strategy:    strategy,
		StartLayer:  shard.StartLayer,
		EndLayer:    shard.EndLayer,
		TotalLayers: shard.TotalLayers,
		Stage:       shard.Stage,
		BatchIndex:  shard.BatchIndex,
	}
	resp, err := utils.SendPostJsonRequest(&r.client, requestUrl, dto)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner init returned %s", resp.Status)
	}
	return nil
}

func (r *RunnerClient) Process(ctx context.Context, shard protocol.ShardSpec, input json.RawMessage) (json.RawMessage, error) {
	requestUrl, err := url.JoinPath(r.baseURL, modelProcessPath)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(processDto{
		StartLayer: shard.StartLayer,
		EndLayer:   shard.EndLayer,
		BatchIndex: shard.BatchIndex,
		Input:      input,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestUrl, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner process returned %s", resp.Status)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func (r *RunnerClient) ReleaseModel(ctx context.Context, jobID string) error {
	requestUrl, err := url.JoinPath(r.baseURL, modelReleasePath)
	if err != nil {
		return err
	}
	resp, err := utils.SendPostJsonRequest(&r.client, requestUrl, releaseDto{JobID: jobID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner release returned %s", resp.Status)
	}
	return nil
}
