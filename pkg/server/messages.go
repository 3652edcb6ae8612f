package server

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liliang-cn/msync/pkg/inventory"
	"github.com/liliang-cn/msync/pkg/msync"
)

// Event types sent on the Sync stream. The remaining types are the names of
// msync.EventType values.
const (
	EventAccepted = "accepted"
)

// Job states reported by GetJob and ListJobs.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// SyncRequest asks the server to distribute Path to Destinations.
type SyncRequest struct {
	Destinations   []string
	Path           string
	Copies         int
	Parallel       int
	TimeoutSeconds int
	Origin         string
	DryRun         bool
	Verbose        bool
}

// ToStruct encodes r for the wire.
func (r *SyncRequest) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"destinations":    stringList(r.Destinations),
		"path":            r.Path,
		"copies":          r.Copies,
		"parallel":        r.Parallel,
		"timeout_seconds": r.TimeoutSeconds,
		"origin":          r.Origin,
		"dry_run":         r.DryRun,
		"verbose":         r.Verbose,
	})
}

// SyncRequestFromStruct decodes a SyncRequest. "destinations" may be a list
// or a comma separated string, as given to the CLI.
func SyncRequestFromStruct(s *structpb.Struct) *SyncRequest {
	return &SyncRequest{
		Destinations:   getDestinations(s),
		Path:           getString(s, "path"),
		Copies:         getInt(s, "copies"),
		Parallel:       getInt(s, "parallel"),
		TimeoutSeconds: getInt(s, "timeout_seconds"),
		Origin:         getString(s, "origin"),
		DryRun:         getBool(s, "dry_run"),
		Verbose:        getBool(s, "verbose"),
	}
}

// Pair is a scheduled copy.
type Pair struct {
	Source      string
	Destination string
}

// CopyReport is the outcome of one copy.
type CopyReport struct {
	Source      string
	Destination string
	Command     string
	ExitCode    int
	DurationMs  int64
	Stdout      string
	Stderr      string
	Error       string
}

// Success reports whether the copy succeeded.
func (c *CopyReport) Success() bool {
	return c.ExitCode == 0 && c.Error == ""
}

// Event is one message of the Sync stream.
type Event struct {
	JobID       string
	Type        string
	Round       int
	Holders     int
	Pending     int
	Status      string
	Error       string
	Assignments []Pair
	Copy        *CopyReport
	Failed      []string
}

func eventFromSync(jobID string, e msync.Event) *Event {
	out := &Event{
		JobID:   jobID,
		Type:    e.Type.String(),
		Round:   e.Round,
		Holders: e.Holders,
		Pending: e.Pending,
		Status:  e.Status.String(),
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	for _, a := range e.Assignments {
		out.Assignments = append(out.Assignments, Pair{Source: a.Source, Destination: a.Destination})
	}
	if o := e.Outcome; o != nil {
		out.Copy = &CopyReport{
			Source:      o.Assignment.Source,
			Destination: o.Assignment.Destination,
			Command:     o.Command,
			ExitCode:    o.ExitCode,
			DurationMs:  o.Duration.Milliseconds(),
			Stdout:      o.Stdout,
			Stderr:      o.Stderr,
		}
		if o.Err != nil {
			out.Copy.Error = o.Err.Error()
		}
	}
	if e.Result != nil {
		for _, o := range e.Result.Failed {
			out.Failed = append(out.Failed, o.Assignment.Destination)
		}
	}
	return out
}

// ToStruct encodes e for the wire.
func (e *Event) ToStruct() (*structpb.Struct, error) {
	m := map[string]interface{}{
		"job_id":  e.JobID,
		"type":    e.Type,
		"round":   e.Round,
		"holders": e.Holders,
		"pending": e.Pending,
		"status":  e.Status,
		"error":   e.Error,
		"failed":  stringList(e.Failed),
	}
	pairs := make([]interface{}, len(e.Assignments))
	for i, p := range e.Assignments {
		pairs[i] = map[string]interface{}{"source": p.Source, "destination": p.Destination}
	}
	m["assignments"] = pairs
	if c := e.Copy; c != nil {
		m["copy"] = map[string]interface{}{
			"source":      c.Source,
			"destination": c.Destination,
			"command":     c.Command,
			"exit_code":   c.ExitCode,
			"duration_ms": c.DurationMs,
			"stdout":      c.Stdout,
			"stderr":      c.Stderr,
			"error":       c.Error,
		}
	}
	return structpb.NewStruct(m)
}

// EventFromStruct decodes an Event.
func EventFromStruct(s *structpb.Struct) *Event {
	e := &Event{
		JobID:   getString(s, "job_id"),
		Type:    getString(s, "type"),
		Round:   getInt(s, "round"),
		Holders: getInt(s, "holders"),
		Pending: getInt(s, "pending"),
		Status:  getString(s, "status"),
		Error:   getString(s, "error"),
		Failed:  getStrings(s, "failed"),
	}
	for _, v := range s.GetFields()["assignments"].GetListValue().GetValues() {
		p := v.GetStructValue()
		e.Assignments = append(e.Assignments, Pair{Source: getString(p, "source"), Destination: getString(p, "destination")})
	}
	if c := s.GetFields()["copy"].GetStructValue(); c != nil {
		e.Copy = &CopyReport{
			Source:      getString(c, "source"),
			Destination: getString(c, "destination"),
			Command:     getString(c, "command"),
			ExitCode:    getInt(c, "exit_code"),
			DurationMs:  int64(getInt(c, "duration_ms")),
			Stdout:      getString(c, "stdout"),
			Stderr:      getString(c, "stderr"),
			Error:       getString(c, "error"),
		}
	}
	return e
}

// JobInfo is the state of a job as reported by GetJob and ListJobs.
type JobInfo struct {
	ID           string
	Status       string
	Destinations []string
	Path         string
	Origin       string
	DryRun       bool
	Rounds       int
	Holders      int
	Pending      int
	Failures     []string
	Error        string
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Finished reports whether the job has stopped.
func (j *JobInfo) Finished() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed || j.Status == JobCancelled
}

// ToStruct encodes j for the wire.
func (j *JobInfo) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"job_id":       j.ID,
		"status":       j.Status,
		"destinations": stringList(j.Destinations),
		"path":         j.Path,
		"origin":       j.Origin,
		"dry_run":      j.DryRun,
		"rounds":       j.Rounds,
		"holders":      j.Holders,
		"pending":      j.Pending,
		"failures":     stringList(j.Failures),
		"error":        j.Error,
		"created_at":   formatTime(j.CreatedAt),
		"started_at":   formatTime(j.StartedAt),
		"completed_at": formatTime(j.CompletedAt),
	})
}

// JobInfoFromStruct decodes a JobInfo.
func JobInfoFromStruct(s *structpb.Struct) *JobInfo {
	return &JobInfo{
		ID:           getString(s, "job_id"),
		Status:       getString(s, "status"),
		Destinations: getStrings(s, "destinations"),
		Path:         getString(s, "path"),
		Origin:       getString(s, "origin"),
		DryRun:       getBool(s, "dry_run"),
		Rounds:       getInt(s, "rounds"),
		Holders:      getInt(s, "holders"),
		Pending:      getInt(s, "pending"),
		Failures:     getStrings(s, "failures"),
		Error:        getString(s, "error"),
		CreatedAt:    parseTime(getString(s, "created_at")),
		StartedAt:    parseTime(getString(s, "started_at")),
		CompletedAt:  parseTime(getString(s, "completed_at")),
	}
}

func getString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func getInt(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func getBool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func getStrings(s *structpb.Struct, key string) []string {
	values := s.GetFields()[key].GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.GetStringValue()
	}
	return out
}

func getDestinations(s *structpb.Struct) []string {
	v := s.GetFields()["destinations"]
	if _, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		return inventory.ParseDestinations(v.GetStringValue())
	}
	var out []string
	for _, item := range getStrings(s, "destinations") {
		out = append(out, inventory.ParseDestinations(item)...)
	}
	return out
}

func stringList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
