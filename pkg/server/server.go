// Package server exposes msync over gRPC.
//
// Each Sync call runs one distribution as a Job with a unique ID. The job's
// progress events stream back to the caller as they happen, and the job
// stays queryable with GetJob and ListJobs after the stream ends.
//
// Messages are google.protobuf.Struct values so that no generated code is
// needed; messages.go maps them to Go types.
//
// Example Usage:
//
//	srv, err := server.NewServer("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	listener, _ := net.Listen("tcp", ":50051")
//	s := grpc.NewServer()
//	server.RegisterDistributorServer(s, srv)
//	s.Serve(listener)
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/inventory"
	"github.com/liliang-cn/msync/pkg/logger"
	"github.com/liliang-cn/msync/pkg/msync"
	"github.com/liliang-cn/msync/pkg/pathspec"
)

// Server implements the Distributor service.
type Server struct {
	msync   *msync.Msync
	logger  *logger.Logger
	options []msync.SyncOption

	// jobs stores active and completed jobs indexed by job ID.
	jobs  map[string]*Job
	order []string
	jobMu sync.RWMutex
}

// Job is a single distribution started through Sync.
type Job struct {
	mu        sync.RWMutex
	info      JobInfo
	cancel    context.CancelFunc
	cancelled bool
}

// Info returns a snapshot of the job.
func (j *Job) Info() *JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	info := j.info
	info.Destinations = append([]string(nil), j.info.Destinations...)
	info.Failures = append([]string(nil), j.info.Failures...)
	return &info
}

func (j *Job) observe(e msync.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.info.Holders = e.Holders
	j.info.Pending = e.Pending
	if e.Type == msync.EventRoundFinished {
		j.info.Rounds = e.Round
		if e.Result != nil {
			for _, o := range e.Result.Failed {
				j.info.Failures = append(j.info.Failures, o.Assignment.Destination)
			}
		}
	}
}

func (j *Job) finish(summary *msync.Summary, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.info.CompletedAt = time.Now()
	if summary != nil {
		j.info.Rounds = summary.Rounds
		j.info.Holders = len(summary.Holders)
		j.info.Pending = len(summary.Pending)
		j.info.Origin = summary.Origin
	}
	switch {
	case j.cancelled:
		j.info.Status = JobCancelled
	case err != nil:
		j.info.Status = JobFailed
	default:
		j.info.Status = JobSucceeded
	}
	if err != nil {
		j.info.Error = err.Error()
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithSyncOptions adds options applied to every sync after the request's
// own settings.
func WithSyncOptions(opts ...msync.SyncOption) Option {
	return func(s *Server) {
		s.options = append(s.options, opts...)
	}
}

// NewServer creates a server with the given configuration path.
// If configPath is empty, the default path ~/.msync/config.toml is used.
func NewServer(configPath string, opts ...Option) (*Server, error) {
	inv, err := inventory.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}
	return New(msync.NewWithInventory(inv), opts...), nil
}

// New creates a server running syncs on m.
func New(m *msync.Msync, opts ...Option) *Server {
	s := &Server{
		msync:  m,
		logger: m.GetLogger(),
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync runs a distribution and streams its events. The first message is an
// "accepted" event carrying the job ID; the last is the "done" event.
// Closing the stream cancels the job.
func (s *Server) Sync(req *structpb.Struct, stream Distributor_SyncServer) error {
	r := SyncRequestFromStruct(req)
	if r.Path == "" || len(r.Destinations) == 0 {
		return status.Error(codes.InvalidArgument, "path and destinations are required")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	job := s.newJob(r, cancel)
	log := s.logger.WithFields(map[string]interface{}{"job": job.info.ID, "path": r.Path})
	log.Info("sync to %v", r.Destinations)

	if err := s.send(stream, &Event{JobID: job.info.ID, Type: EventAccepted, Status: JobRunning}); err != nil {
		job.finish(nil, err)
		return err
	}

	opts := []msync.SyncOption{
		msync.WithDryRun(r.DryRun),
		msync.WithVerbose(r.Verbose),
		msync.WithEventHandler(func(e msync.Event) {
			job.observe(e)
			if err := s.send(stream, eventFromSync(job.info.ID, e)); err != nil {
				log.Warn("failed to send %s event: %v", e.Type, err)
			}
		}),
	}
	if r.Copies != 0 {
		opts = append(opts, msync.WithCopies(r.Copies))
	}
	if r.Parallel > 0 {
		opts = append(opts, msync.WithParallel(r.Parallel))
	}
	if r.TimeoutSeconds > 0 {
		opts = append(opts, msync.WithTimeout(time.Duration(r.TimeoutSeconds)*time.Second))
	}
	if r.Origin != "" {
		opts = append(opts, msync.WithOrigin(r.Origin))
	}
	opts = append(opts, s.options...)

	summary, err := s.msync.Sync(ctx, r.Destinations, r.Path, opts...)
	job.finish(summary, err)
	info := job.Info()
	if err != nil {
		log.Error("%s: %v", info.Status, err)
	} else {
		log.Info("%s: %d hosts in %d rounds", info.Status, info.Holders-1, info.Rounds)
	}

	// Failures after scheduling started are reported by the done event.
	if err != nil && summary == nil {
		return statusError(err)
	}
	return nil
}

func (s *Server) newJob(r *SyncRequest, cancel context.CancelFunc) *Job {
	now := time.Now()
	job := &Job{
		info: JobInfo{
			ID:           uuid.NewString(),
			Status:       JobRunning,
			Destinations: append([]string(nil), r.Destinations...),
			Path:         r.Path,
			Origin:       r.Origin,
			DryRun:       r.DryRun,
			CreatedAt:    now,
			StartedAt:    now,
		},
		cancel: cancel,
	}

	s.jobMu.Lock()
	s.jobs[job.info.ID] = job
	s.order = append(s.order, job.info.ID)
	s.jobMu.Unlock()
	return job
}

func (s *Server) send(stream Distributor_SyncServer, e *Event) error {
	msg, err := e.ToStruct()
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

func (s *Server) job(id string) (*Job, error) {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "job not found: %s", id)
	}
	return job, nil
}

// GetJob returns the state of the job named by "job_id".
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.job(getString(req, "job_id"))
	if err != nil {
		return nil, err
	}
	return job.Info().ToStruct()
}

// ListJobs returns jobs in creation order. "status" filters by job state,
// empty or "all" matches every job; "limit" caps the result when positive.
func (s *Server) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter := getString(req, "status")
	limit := getInt(req, "limit")

	s.jobMu.RLock()
	ids := append([]string(nil), s.order...)
	jobs := make([]*Job, len(ids))
	for i, id := range ids {
		jobs[i] = s.jobs[id]
	}
	s.jobMu.RUnlock()

	var values []*structpb.Value
	for _, job := range jobs {
		info := job.Info()
		if filter != "" && filter != "all" && info.Status != filter {
			continue
		}
		st, err := info.ToStruct()
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(st))
		if limit > 0 && len(values) >= limit {
			break
		}
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"jobs":  structpb.NewListValue(&structpb.ListValue{Values: values}),
		"total": structpb.NewNumberValue(float64(len(jobs))),
	}}, nil
}

// CancelJob cancels a running job.
// Only jobs in Running or Pending status can be cancelled.
func (s *Server) CancelJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	reply := func(ok bool, message string) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]interface{}{"success": ok, "message": message})
	}

	job, err := s.job(getString(req, "job_id"))
	if err != nil {
		return reply(false, "job not found")
	}

	job.mu.Lock()
	if job.info.Status != JobRunning && job.info.Status != JobPending {
		job.mu.Unlock()
		return reply(false, "job cannot be cancelled")
	}
	job.cancelled = true
	job.mu.Unlock()

	job.cancel()
	s.logger.WithField("job", job.info.ID).Info("cancelled")
	return reply(true, "job cancelled")
}

// Hosts returns the inventory groups. "group" restricts the answer to one
// group.
func (s *Server) Hosts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	inv := s.msync.GetInventory()
	groups := inv.GetAllGroups()
	want := getString(req, "group")

	names := make([]string, 0, len(groups))
	for name := range groups {
		if want == "" || want == name {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]interface{}, 0, len(names))
	for _, name := range names {
		hosts := make([]interface{}, 0, len(groups[name]))
		for _, addr := range groups[name] {
			h := inv.LookupHost(addr)
			hosts = append(hosts, map[string]interface{}{
				"name":    h.Name,
				"address": h.Address,
				"user":    h.User,
				"port":    h.Port,
			})
		}
		out = append(out, map[string]interface{}{
			"name":  name,
			"hosts": hosts,
			"count": len(hosts),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"groups": out})
}

func statusError(err error) error {
	switch {
	case errors.Is(err, pathspec.ErrInvalidSourcePath), errors.Is(err, msync.ErrInvalidCopies):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, executor.ErrPrerequisiteMissing):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
