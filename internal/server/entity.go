package server

import (
	"encoding/json"

	"gridmesh/jobs"
)

type SubmitJobDto struct {
	Model        string            `json:"model"`
	Type         string            `json:"type,omitempty"`
	Input        json.RawMessage   `json:"input,omitempty"`
	Requirements jobs.Requirements `json:"requirements"`
}

type JobDto struct {
	Id           string            `json:"id"`
	Model        string            `json:"model"`
	Type         string            `json:"type"`
	Status       string            `json:"status"`
	Requirements jobs.Requirements `json:"requirements"`
	AssignedNode string            `json:"assignedNode,omitempty"`
	Coordinator  string            `json:"coordinator,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    int64             `json:"createdAt"`
	StartedAt    int64             `json:"startedAt,omitempty"`
	CompletedAt  int64             `json:"completedAt,omitempty"`
}

type PeerDto struct {
	Id         string   `json:"id"`
	Addresses  []string `json:"addresses"`
	Status     string   `json:"status"`
	Reputation float64  `json:"reputation"`
	ActiveJobs int      `json:"activeJobs"`
	LastSeenAt int64    `json:"lastSeenAt"`
}

type PeersDto struct {
	Peers []PeerDto `json:"peers"`
	Count int       `json:"count"`
}

type ReputationDto struct {
	PeerId        string  `json:"peerId"`
	TotalJobs     int     `json:"totalJobs"`
	CompletedJobs int     `json:"completedJobs"`
	FailedJobs    int     `json:"failedJobs"`
	AverageScore  float64 `json:"averageScore"`
	LastActiveAt  int64   `json:"lastActiveAt,omitempty"`
}

type RatePeerDto struct {
	PeerId   string  `json:"peerId"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

type StatusDto struct {
	Status    string `json:"status"`
	NodeId    string `json:"nodeId"`
	PeerCount int    `json:"peerCount"`
}
