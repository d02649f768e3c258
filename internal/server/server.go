// Package server exposes the node's HTTP API: job submission and
// lifecycle, the peer directory, and the reputation ledger.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"gridmesh/jobs"
	"gridmesh/logging"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/reputation"
	"gridmesh/store"
)

// JobRegistry is the slice of the registry the API needs.
type JobRegistry interface {
	Submit(ctx context.Context, job *jobs.Job) error
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*jobs.Job, error)
	Cancel(ctx context.Context, jobID string) error
	GetDistribution(ctx context.Context, jobID string) (*jobs.DistributedJob, error)
}

// DistributionInfo is implemented by the coordinator when this node
// runs one.
type DistributionInfo interface {
	GetDistributedJob(jobID string) *jobs.DistributedJob
	CancelJob(ctx context.Context, jobID string) error
}

type Server struct {
	e        *echo.Echo
	self     protocol.NodeID
	registry JobRegistry
	dir      *peers.Directory
	ledger   *reputation.Ledger
	dist     DistributionInfo
}

func NewServer(self protocol.NodeID, registry JobRegistry, dir *peers.Directory, ledger *reputation.Ledger, dist DistributionInfo) *Server {
	e := echo.New()
	e.HideBanner = true
	s := &Server{
		e:        e,
		self:     self,
		registry: registry,
		dir:      dir,
		ledger:   ledger,
		dist:     dist,
	}

	e.Use(LoggingMiddleware)
	g := e.Group("/v1/")

	g.GET("status", s.getStatus)

	g.POST("jobs", s.submitJob)
	g.GET("jobs", s.listJobs)
	g.GET("jobs/:id", s.getJob)
	g.POST("jobs/:id/cancel", s.cancelJob)
	g.GET("jobs/:id/distribution", s.getDistribution)

	g.GET("peers", s.getPeers)
	g.GET("peers/:id", s.getPeer)

	g.GET("reputation", s.getAllReputation)
	g.GET("reputation/:id", s.getReputation)
	g.POST("reputation", s.ratePeer)

	return s
}

func (s *Server) Start(addr string) {
	go s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusDto{
		Status:    "ok",
		NodeId:    s.self.String(),
		PeerCount: s.dir.Len(),
	})
}

func (s *Server) submitJob(c echo.Context) error {
	var dto SubmitJobDto
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if dto.Model == "" {
		return ErrModelRequired
	}

	jobType := jobs.TypeInference
	if dto.Type != "" {
		jobType = jobs.JobType(dto.Type)
	}
	job := &jobs.Job{
		Model:        dto.Model,
		Type:         jobType,
		Requirements: dto.Requirements,
		Input:        dto.Input,
	}
	if job.Requirements.Model == "" {
		job.Requirements.Model = dto.Model
	}

	if err := s.registry.Submit(c.Request().Context(), job); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusCreated, toJobDto(job))
}

func (s *Server) listJobs(c echo.Context) error {
	filter := store.JobFilter{}
	if status := c.QueryParam("status"); status != "" {
		filter.Status = jobs.Status(status)
	}
	list, err := s.registry.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	dtos := make([]JobDto, len(list))
	for i, job := range list {
		dtos[i] = toJobDto(job)
	}
	return c.JSON(http.StatusOK, dtos)
}

func (s *Server) getJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return ErrIdRequired
	}
	job, err := s.registry.Get(c.Request().Context(), id)
	if err != nil {
		return ErrJobNotFound
	}
	return c.JSON(http.StatusOK, toJobDto(job))
}

func (s *Server) cancelJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return ErrIdRequired
	}
	ctx := c.Request().Context()
	if err := s.registry.Cancel(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	// Stop the distributed execution too when this node coordinates it;
	// jobs unknown to the coordinator are the normal single-node case.
	if s.dist != nil {
		if err := s.dist.CancelJob(ctx, id); err != nil {
			logging.Debug("No distributed execution to cancel", logging.Server,
				"job", id, "error", err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getDistribution(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return ErrIdRequired
	}
	if s.dist != nil {
		if djob := s.dist.GetDistributedJob(id); djob != nil {
			return c.JSON(http.StatusOK, djob)
		}
	}
	// Finalized jobs leave the coordinator's active set; their last
	// snapshot is persisted.
	djob, err := s.registry.GetDistribution(c.Request().Context(), id)
	if err != nil {
		return ErrNoDistribution
	}
	return c.JSON(http.StatusOK, djob)
}

func (s *Server) getPeers(c echo.Context) error {
	nodes := s.dir.Snapshot()
	dtos := make([]PeerDto, len(nodes))
	for i, n := range nodes {
		dtos[i] = toPeerDto(n)
	}
	return c.JSON(http.StatusOK, PeersDto{Peers: dtos, Count: len(dtos)})
}

func (s *Server) getPeer(c echo.Context) error {
	id, err := protocol.ParseNodeID(c.Param("id"))
	if err != nil {
		return ErrBadPeerId
	}
	node, ok := s.dir.GetNode(id)
	if !ok {
		return ErrPeerNotFound
	}
	return c.JSON(http.StatusOK, toPeerDto(node))
}

func (s *Server) getAllReputation(c echo.Context) error {
	records := s.ledger.Snapshot()
	dtos := make([]ReputationDto, len(records))
	for i, r := range records {
		dtos[i] = toReputationDto(r)
	}
	return c.JSON(http.StatusOK, dtos)
}

func (s *Server) getReputation(c echo.Context) error {
	id, err := protocol.ParseNodeID(c.Param("id"))
	if err != nil {
		return ErrBadPeerId
	}
	record, ok := s.ledger.Get(id)
	if !ok {
		return ErrPeerNotFound
	}
	return c.JSON(http.StatusOK, toReputationDto(record))
}

func (s *Server) ratePeer(c echo.Context) error {
	var dto RatePeerDto
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	peerID, err := protocol.ParseNodeID(dto.PeerId)
	if err != nil {
		return ErrBadPeerId
	}
	record, err := s.ledger.RatePeer(c.Request().Context(), peerID, "", dto.Score, dto.Feedback)
	if err != nil {
		return ErrScoreRequired
	}
	return c.JSON(http.StatusOK, toReputationDto(record))
}

func toJobDto(job *jobs.Job) JobDto {
	dto := JobDto{
		Id:           job.ID,
		Model:        job.Model,
		Type:         string(job.Type),
		Status:       string(job.Status),
		Requirements: job.Requirements,
		Result:       job.Result,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt.UnixMilli(),
	}
	if !job.AssignedNode.IsZero() {
		dto.AssignedNode = job.AssignedNode.String()
	}
	if !job.CoordinatorID.IsZero() {
		dto.Coordinator = job.CoordinatorID.String()
	}
	if job.StartedAt != nil {
		dto.StartedAt = job.StartedAt.UnixMilli()
	}
	if job.CompletedAt != nil {
		dto.CompletedAt = job.CompletedAt.UnixMilli()
	}
	return dto
}

func toPeerDto(n *peers.Node) PeerDto {
	return PeerDto{
		Id:         n.ID.String(),
		Addresses:  n.Addresses,
		Status:     string(n.Status),
		Reputation: n.ReputationScore,
		ActiveJobs: n.ActiveJobs,
		LastSeenAt: n.LastSeenAt.UnixMilli(),
	}
}

func toReputationDto(r *reputation.Record) ReputationDto {
	dto := ReputationDto{
		PeerId:        r.PeerID.String(),
		TotalJobs:     r.TotalJobs,
		CompletedJobs: r.CompletedJobs,
		FailedJobs:    r.FailedJobs,
		AverageScore:  r.AverageScore,
	}
	if !r.LastActiveAt.IsZero() {
		dto.LastActiveAt = r.LastActiveAt.UnixMilli()
	}
	return dto
}
