package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is one of the closed set of wire message kinds.
type Kind string

const (
	KindJobBroadcast Kind = "job:broadcast"
	KindJobBid       Kind = "job:bid"
	KindJobAssign    Kind = "job:assign"
	KindJobResult    Kind = "job:result"
	KindJobDispute   Kind = "job:dispute"

	KindPeerAnnounce Kind = "peer:announce"
	KindPeerQuery    Kind = "peer:query"

	KindReputationUpdate Kind = "reputation:update"

	KindWorkerReady  Kind = "worker:ready"
	KindWorkerStatus Kind = "worker:status"
	KindWorkerError  Kind = "worker:error"

	KindInitModel    Kind = "init_model"
	KindProcessInput Kind = "process_input"
	KindAssignLayer  Kind = "assign_layer"
	KindShutdown     Kind = "shutdown"
	KindConfigUpdate Kind = "config_update"
	KindLayerResult  Kind = "layer_result"

	KindHeartbeat Kind = "heartbeat"
)

// requiredFields lists the top-level data fields a message of each kind
// must carry to pass shape validation. A kind absent from the map only
// needs a well-formed envelope.
var requiredFields = map[Kind][]string{
	KindJobBroadcast:     {"jobId"},
	KindJobBid:           {"nodeId"},
	KindJobAssign:        {"nodeId"},
	KindPeerAnnounce:     {"node"},
	KindPeerQuery:        {"target"},
	KindReputationUpdate: {"peerId", "jobId", "score"},
	KindWorkerReady:      {"nodeId", "capabilities"},
	KindWorkerStatus:     {"nodeId", "status"},
	KindWorkerError:      {"nodeId", "error"},
	KindInitModel:        {"strategy", "shard"},
	KindProcessInput:     {"input"},
	KindAssignLayer:      {"shard"},
	KindLayerResult:      {"workerId", "isComplete"},
	KindHeartbeat:        {"timestamp"},
}

// jobScoped kinds must carry the job id on the envelope.
var jobScoped = map[Kind]bool{
	KindJobBroadcast: true,
	KindJobBid:       true,
	KindJobAssign:    true,
	KindJobResult:    true,
	KindJobDispute:   true,
	KindInitModel:    true,
	KindProcessInput: true,
	KindAssignLayer:  true,
	KindLayerResult:  true,
}

var ErrProtocolValidation = errors.New("protocol validation failed")

// Envelope is the wire form of every message. Data holds the kind's
// payload; JobID is empty for kinds not scoped to a job. Delivery is
// best effort: per-connection order only, no acknowledgement.
type Envelope struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	JobID     string          `json:"jobId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope marshals payload into a stamped envelope. jobID may be
// empty for kinds that are not job-scoped.
func NewEnvelope(kind Kind, payload any, jobID string) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{
		Type:      kind,
		Data:      data,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrProtocolValidation, e.Type, err)
	}
	return nil
}

// Validate performs the basic shape check from the wire contract:
// known kind, sane timestamp, job id where required, and presence of
// the kind's required payload fields. Failing messages are dropped by
// the bus, never re-delivered.
func Validate(e Envelope) error {
	if _, ok := requiredFields[e.Type]; !ok {
		switch e.Type {
		case KindJobResult, KindJobDispute, KindShutdown, KindConfigUpdate:
			// envelope-only kinds
		default:
			return fmt.Errorf("%w: unknown kind %q", ErrProtocolValidation, e.Type)
		}
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrProtocolValidation)
	}
	if jobScoped[e.Type] && e.JobID == "" {
		return fmt.Errorf("%w: %s requires jobId", ErrProtocolValidation, e.Type)
	}
	fields := requiredFields[e.Type]
	if len(fields) == 0 {
		return nil
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("%w: %s payload is not an object", ErrProtocolValidation, e.Type)
	}
	for _, f := range fields {
		if _, ok := data[f]; !ok {
			return fmt.Errorf("%w: %s missing field %q", ErrProtocolValidation, e.Type, f)
		}
	}
	return nil
}
