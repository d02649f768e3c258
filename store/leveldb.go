package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"gridmesh/jobs"
	"gridmesh/logging"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/reputation"
)

// LevelDB is the embedded backend for single-daemon deployments that
// want durability without an etcd cluster.
type LevelDB struct {
	db    *leveldb.DB
	watch *jobWatch
}

func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelDB{db: db, watch: newJobWatch()}, nil
}

func (l *LevelDB) put(key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(key), raw, nil)
}

func (l *LevelDB) get(key string, out any) error {
	raw, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (l *LevelDB) scan(prefix string, each func(key string, raw []byte)) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		each(string(iter.Key()), append([]byte(nil), iter.Value()...))
	}
	return iter.Error()
}

func (l *LevelDB) PutNode(_ context.Context, node *peers.Node) error {
	return l.put(nodeKeyPrefix+node.ID.String(), node)
}

func (l *LevelDB) GetNode(_ context.Context, id protocol.NodeID) (*peers.Node, error) {
	var node peers.Node
	if err := l.get(nodeKeyPrefix+id.String(), &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (l *LevelDB) ListNodes(_ context.Context) ([]*peers.Node, error) {
	out := make([]*peers.Node, 0)
	err := l.scan(nodeKeyPrefix, func(key string, raw []byte) {
		var node peers.Node
		if err := json.Unmarshal(raw, &node); err != nil {
			logging.Warn("Skipping undecodable node record", logging.Store, "key", key, "error", err)
			return
		}
		out = append(out, &node)
	})
	return out, err
}

func (l *LevelDB) DeleteNode(_ context.Context, id protocol.NodeID) error {
	return l.db.Delete([]byte(nodeKeyPrefix+id.String()), nil)
}

func (l *LevelDB) CreateJob(_ context.Context, job *jobs.Job) error {
	if ok, err := l.db.Has([]byte(jobKeyPrefix+job.ID), nil); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := l.put(jobKeyPrefix+job.ID, job); err != nil {
		return err
	}
	l.watch.notify(JobEvent{Type: JobPut, Job: cloneJob(job)})
	return nil
}

func (l *LevelDB) GetJob(_ context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := l.get(jobKeyPrefix+id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (l *LevelDB) UpdateJob(_ context.Context, job *jobs.Job) error {
	if err := l.put(jobKeyPrefix+job.ID, job); err != nil {
		return err
	}
	l.watch.notify(JobEvent{Type: JobPut, Job: cloneJob(job)})
	return nil
}

func (l *LevelDB) ListJobs(_ context.Context, filter JobFilter) ([]*jobs.Job, error) {
	out := make([]*jobs.Job, 0)
	err := l.scan(jobKeyPrefix, func(key string, raw []byte) {
		var job jobs.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			logging.Warn("Skipping undecodable job record", logging.Store, "key", key, "error", err)
			return
		}
		if filter.matches(&job) {
			out = append(out, &job)
		}
	})
	return out, err
}

func (l *LevelDB) WatchJobs(ctx context.Context) <-chan JobEvent {
	return l.watch.watch(ctx)
}

func (l *LevelDB) PutDistributedJob(_ context.Context, djob *jobs.DistributedJob) error {
	return l.put(djobKeyPrefix+djob.JobID, djob)
}

func (l *LevelDB) GetDistributedJob(_ context.Context, jobID string) (*jobs.DistributedJob, error) {
	var djob jobs.DistributedJob
	if err := l.get(djobKeyPrefix+jobID, &djob); err != nil {
		return nil, err
	}
	return &djob, nil
}

func (l *LevelDB) PutReputation(_ context.Context, rec *reputation.Record) error {
	return l.put(reputationKeyPrefix+rec.PeerID.String(), rec)
}

func (l *LevelDB) GetReputation(_ context.Context, id protocol.NodeID) (*reputation.Record, error) {
	var rec reputation.Record
	if err := l.get(reputationKeyPrefix+id.String(), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *LevelDB) ListReputation(_ context.Context) ([]*reputation.Record, error) {
	out := make([]*reputation.Record, 0)
	err := l.scan(reputationKeyPrefix, func(key string, raw []byte) {
		var rec reputation.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logging.Warn("Skipping undecodable reputation record", logging.Store, "key", key, "error", err)
			return
		}
		out = append(out, &rec)
	})
	return out, err
}

func (l *LevelDB) Close() error { return l.db.Close() }
