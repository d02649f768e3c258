package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"gridmesh/jobs"
	"gridmesh/logging"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/reputation"
)

// Key schema: one prefix per record type, JSON values.
const (
	nodeKeyPrefix       = "/gridmesh/nodes/"
	jobKeyPrefix        = "/gridmesh/jobs/"
	djobKeyPrefix       = "/gridmesh/djobs/"
	reputationKeyPrefix = "/gridmesh/reputation/"
)

// Etcd is the clustered backend, for deployments where several daemons
// share one record store.
type Etcd struct {
	client *clientv3.Client
}

func NewEtcd(endpoints []string) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &Etcd{client: cli}, nil
}

func (e *Etcd) putValue(ctx context.Context, key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(raw))
	return err
}

func (e *Etcd) getValue(ctx context.Context, key string, out any) error {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(resp.Kvs[0].Value, out)
}

func (e *Etcd) PutNode(ctx context.Context, node *peers.Node) error {
	return e.putValue(ctx, nodeKeyPrefix+node.ID.String(), node)
}

func (e *Etcd) GetNode(ctx context.Context, id protocol.NodeID) (*peers.Node, error) {
	var node peers.Node
	if err := e.getValue(ctx, nodeKeyPrefix+id.String(), &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (e *Etcd) ListNodes(ctx context.Context) ([]*peers.Node, error) {
	resp, err := e.client.Get(ctx, nodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make([]*peers.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node peers.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			logging.Warn("Skipping undecodable node record", logging.Store,
				"key", string(kv.Key), "error", err)
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (e *Etcd) DeleteNode(ctx context.Context, id protocol.NodeID) error {
	_, err := e.client.Delete(ctx, nodeKeyPrefix+id.String())
	return err
}

func (e *Etcd) CreateJob(ctx context.Context, job *jobs.Job) error {
	return e.putValue(ctx, jobKeyPrefix+job.ID, job)
}

func (e *Etcd) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := e.getValue(ctx, jobKeyPrefix+id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (e *Etcd) UpdateJob(ctx context.Context, job *jobs.Job) error {
	return e.putValue(ctx, jobKeyPrefix+job.ID, job)
}

func (e *Etcd) ListJobs(ctx context.Context, filter JobFilter) ([]*jobs.Job, error) {
	resp, err := e.client.Get(ctx, jobKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*jobs.Job, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var job jobs.Job
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			logging.Warn("Skipping undecodable job record", logging.Store,
				"key", string(kv.Key), "error", err)
			continue
		}
		if filter.matches(&job) {
			out = append(out, &job)
		}
	}
	return out, nil
}

// WatchJobs translates the etcd watch stream into job events.
func (e *Etcd) WatchJobs(ctx context.Context) <-chan JobEvent {
	eventChan := make(chan JobEvent, 16)

	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, jobKeyPrefix, clientv3.WithPrefix())
		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				var eventType JobEventType
				switch ev.Type {
				case clientv3.EventTypePut:
					eventType = JobPut
				case clientv3.EventTypeDelete:
					eventType = JobDelete
				}
				var job jobs.Job
				if ev.Type == clientv3.EventTypePut {
					if err := json.Unmarshal(ev.Kv.Value, &job); err != nil {
						logging.Warn("Skipping undecodable job event", logging.Store, "error", err)
						continue
					}
				} else {
					job.ID = string(ev.Kv.Key[len(jobKeyPrefix):])
				}
				select {
				case eventChan <- JobEvent{Type: eventType, Job: &job}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

func (e *Etcd) PutDistributedJob(ctx context.Context, djob *jobs.DistributedJob) error {
	return e.putValue(ctx, djobKeyPrefix+djob.JobID, djob)
}

func (e *Etcd) GetDistributedJob(ctx context.Context, jobID string) (*jobs.DistributedJob, error) {
	var djob jobs.DistributedJob
	if err := e.getValue(ctx, djobKeyPrefix+jobID, &djob); err != nil {
		return nil, err
	}
	return &djob, nil
}

func (e *Etcd) PutReputation(ctx context.Context, rec *reputation.Record) error {
	return e.putValue(ctx, reputationKeyPrefix+rec.PeerID.String(), rec)
}

func (e *Etcd) GetReputation(ctx context.Context, id protocol.NodeID) (*reputation.Record, error) {
	var rec reputation.Record
	if err := e.getValue(ctx, reputationKeyPrefix+id.String(), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (e *Etcd) ListReputation(ctx context.Context) ([]*reputation.Record, error) {
	resp, err := e.client.Get(ctx, reputationKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*reputation.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec reputation.Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			logging.Warn("Skipping undecodable reputation record", logging.Store,
				"key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (e *Etcd) Close() error { return e.client.Close() }
