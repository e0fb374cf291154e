package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hania222/warehouse-fleet/internal/perception"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// callGrace is added to the match timeout for the RPC deadline so the
// server, not the transport, normally reports TimedOut.
const callGrace = 2 * time.Second

// Client is a perception.Matcher that calls a remote Perception server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial prepares a client for addr (e.g. "localhost:50061"). The connection
// is established lazily on first use. Without opts the transport is insecure.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("perception client %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Name returns "grpc".
func (c *Client) Name() string { return "grpc" }

// AttemptMatch calls the server's AttemptMatch.
func (c *Client) AttemptMatch(ctx context.Context, expectedID string, timeout time.Duration) (perception.Result, error) {
	if timeout <= 0 {
		timeout = perception.DefaultTimeout
	}
	req, err := structpb.NewStruct(map[string]any{
		"expected_id": expectedID,
		"timeout_ms":  float64(timeout.Milliseconds()),
	})
	if err != nil {
		return perception.Result{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout+callGrace)
	defer cancel()

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(callCtx, attemptMatchMethod, req, resp); err != nil {
		if ctx.Err() != nil {
			return perception.Result{Outcome: perception.Cancelled}, nil
		}
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return perception.Result{Outcome: perception.TimedOut}, nil
		}
		return perception.Result{}, fmt.Errorf("attempt match: %w", err)
	}
	fields := resp.GetFields()
	out := perception.Result{
		Outcome: perception.Outcome(fields["outcome"].GetStringValue()),
		ID:      fields["id"].GetStringValue(),
	}
	switch out.Outcome {
	case perception.Matched, perception.Mismatched, perception.TimedOut, perception.Cancelled:
	default:
		return perception.Result{}, fmt.Errorf("attempt match: unknown outcome %q", out.Outcome)
	}
	return out, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

var _ perception.Matcher = (*Client)(nil)
