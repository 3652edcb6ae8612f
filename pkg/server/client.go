package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrRemoteSyncFailed is returned by Client.Sync when the server reports a
// failed or cancelled job.
var ErrRemoteSyncFailed = errors.New("remote sync failed")

// Client talks to a Distributor server.
type Client struct {
	conn grpc.ClientConnInterface
	cc   *grpc.ClientConn
}

// Dial connects to the server at addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: cc, cc: cc}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Sync submits req and calls fn for every event until the stream ends. It
// returns the last event received.
func (c *Client) Sync(ctx context.Context, req *SyncRequest, fn func(*Event)) (*Event, error) {
	in, err := req.ToStruct()
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(ctx, &Distributor_ServiceDesc.Streams[0], methodSync)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var last *Event
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if err == io.EOF {
				break
			}
			return last, err
		}
		last = EventFromStruct(out)
		if fn != nil {
			fn(last)
		}
	}

	if last == nil {
		return nil, fmt.Errorf("%w: stream closed without events", ErrRemoteSyncFailed)
	}
	if last.Status == JobFailed || last.Status == JobCancelled {
		return last, fmt.Errorf("%w: job %s: %s", ErrRemoteSyncFailed, last.JobID, last.Error)
	}
	return last, nil
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob returns the state of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*JobInfo, error) {
	out, err := c.invoke(ctx, methodGetJob, map[string]interface{}{"job_id": id})
	if err != nil {
		return nil, err
	}
	return JobInfoFromStruct(out), nil
}

// ListJobs returns jobs matching statusFilter, empty for all, and the total
// number of jobs on the server.
func (c *Client) ListJobs(ctx context.Context, statusFilter string, limit int) ([]*JobInfo, int, error) {
	out, err := c.invoke(ctx, methodListJobs, map[string]interface{}{"status": statusFilter, "limit": limit})
	if err != nil {
		return nil, 0, err
	}
	var jobs []*JobInfo
	for _, v := range out.GetFields()["jobs"].GetListValue().GetValues() {
		jobs = append(jobs, JobInfoFromStruct(v.GetStructValue()))
	}
	return jobs, getInt(out, "total"), nil
}

// CancelJob asks the server to cancel a running job.
func (c *Client) CancelJob(ctx context.Context, id string) (bool, string, error) {
	out, err := c.invoke(ctx, methodCancelJob, map[string]interface{}{"job_id": id})
	if err != nil {
		return false, "", err
	}
	return getBool(out, "success"), getString(out, "message"), nil
}

// Hosts returns the server's inventory groups by name.
func (c *Client) Hosts(ctx context.Context, group string) (map[string][]string, error) {
	out, err := c.invoke(ctx, methodHosts, map[string]interface{}{"group": group})
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]string)
	for _, v := range out.GetFields()["groups"].GetListValue().GetValues() {
		g := v.GetStructValue()
		var names []string
		for _, h := range g.GetFields()["hosts"].GetListValue().GetValues() {
			names = append(names, getString(h.GetStructValue(), "name"))
		}
		groups[getString(g, "name")] = names
	}
	return groups, nil
}
