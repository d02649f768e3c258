// Package reputation keeps gossip-propagated trust scores per peer.
// Observations are merged as-is: the design tolerates duplicate and
// Sybil-influenced ratings rather than attempting consensus.
package reputation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridmesh/logging"
	"gridmesh/protocol"
)

// Scores use the canonical 1-5 scale. A rating at or above
// SuccessThreshold counts the job as completed for the peer.
const (
	MinScore         = 1.0
	MaxScore         = 5.0
	SuccessThreshold = 3.0
)

var ErrScoreOutOfRange = fmt.Errorf("score outside [%v, %v]", MinScore, MaxScore)

// Record is the per-peer trust history. Records are created lazily on
// first rating and never deleted.
type Record struct {
	PeerID        protocol.NodeID `json:"peerId"`
	TotalJobs     int             `json:"totalJobs"`
	CompletedJobs int             `json:"completedJobs"`
	FailedJobs    int             `json:"failedJobs"`
	AverageScore  float64         `json:"averageScore"`
	LastActiveAt  time.Time       `json:"lastActiveAt"`
}

// Gossip is the slice of the message bus the ledger needs to propagate
// local observations.
type Gossip interface {
	Broadcast(ctx context.Context, env protocol.Envelope) int
}

// Observer is notified after every applied update, local or gossiped.
// The directory subscribes to keep node records in sync with ledger
// scores.
type Observer func(peerID protocol.NodeID, averageScore float64)

type Ledger struct {
	mu       sync.Mutex
	records  map[protocol.NodeID]*Record
	gossip   Gossip
	observer Observer
}

func NewLedger(gossip Gossip) *Ledger {
	return &Ledger{
		records: make(map[protocol.NodeID]*Record),
		gossip:  gossip,
	}
}

// SetObserver registers the single update observer. Must be called
// before the ledger starts receiving updates.
func (l *Ledger) SetObserver(obs Observer) { l.observer = obs }

// Update applies one job outcome with an incremental rolling mean:
// avg' = (avg*(n-1) + score) / n.
func (l *Ledger) Update(peerID protocol.NodeID, score float64, jobID string) *Record {
	l.mu.Lock()
	rec, ok := l.records[peerID]
	if !ok {
		rec = &Record{PeerID: peerID}
		l.records[peerID] = rec
	}
	rec.TotalJobs++
	n := float64(rec.TotalJobs)
	rec.AverageScore = (rec.AverageScore*(n-1) + score) / n
	if score >= SuccessThreshold {
		rec.CompletedJobs++
	} else {
		rec.FailedJobs++
	}
	rec.LastActiveAt = time.Now()
	snapshot := *rec
	l.mu.Unlock()

	if l.observer != nil {
		l.observer(peerID, snapshot.AverageScore)
	}
	logging.Debug("Reputation updated", logging.Reputation,
		"peer", peerID.Short(), "job", jobID, "score", score, "avg", snapshot.AverageScore)
	return &snapshot
}

// RatePeer validates the score, applies it locally, then broadcasts a
// reputation:update so peers can merge the same observation. Broadcast
// failures are logged only; gossip is best effort.
func (l *Ledger) RatePeer(ctx context.Context, peerID protocol.NodeID, jobID string, score float64, feedback string) (*Record, error) {
	if score < MinScore || score > MaxScore {
		return nil, fmt.Errorf("%w: got %v", ErrScoreOutOfRange, score)
	}
	rec := l.Update(peerID, score, jobID)

	env, err := protocol.NewEnvelope(protocol.KindReputationUpdate, protocol.ReputationUpdate{
		PeerID: peerID,
		JobID:  jobID,
		Score:  score,
	}, "")
	if err != nil {
		return rec, err
	}
	if l.gossip != nil {
		if failed := l.gossip.Broadcast(ctx, env); failed > 0 {
			logging.Warn("Reputation gossip partially failed", logging.Reputation,
				"peer", peerID.Short(), "failed_sends", failed)
		}
	}
	if feedback != "" {
		logging.Info("Peer feedback", logging.Reputation,
			"peer", peerID.Short(), "job", jobID, "feedback", feedback)
	}
	return rec, nil
}

// Merge applies a gossiped observation. Conflicting or duplicate
// observations are accepted as-is; only out-of-range scores are
// dropped.
func (l *Ledger) Merge(upd protocol.ReputationUpdate) {
	if upd.Score < MinScore || upd.Score > MaxScore {
		logging.Warn("Dropping gossiped rating outside legal range", logging.Reputation,
			"peer", upd.PeerID.Short(), "score", upd.Score)
		return
	}
	l.Update(upd.PeerID, upd.Score, upd.JobID)
}

// Get returns a copy of the peer's record.
func (l *Ledger) Get(peerID protocol.NodeID) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[peerID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Score returns the peer's rolling average, or 0 for unknown peers.
func (l *Ledger) Score(peerID protocol.NodeID) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[peerID]; ok {
		return rec.AverageScore
	}
	return 0
}

// Snapshot returns copies of every record.
func (l *Ledger) Snapshot() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// RecordSaver persists reputation records; satisfied by the store.
type RecordSaver interface {
	PutReputation(ctx context.Context, rec *Record) error
}

// SaveTo flushes every record through the saver. Trust history must
// survive restarts.
func (l *Ledger) SaveTo(ctx context.Context, saver RecordSaver) error {
	var firstErr error
	for _, rec := range l.Snapshot() {
		if err := saver.PutReputation(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("save reputation records: %w", firstErr)
	}
	return nil
}

// LoadFrom seeds the ledger from persisted records, keeping whichever
// side has seen more jobs on conflict.
func (l *Ledger) LoadFrom(records []*Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		existing, ok := l.records[rec.PeerID]
		if ok && existing.TotalJobs >= rec.TotalJobs {
			continue
		}
		cp := *rec
		l.records[rec.PeerID] = &cp
	}
}
