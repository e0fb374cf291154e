package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hania222/warehouse-fleet/internal/perception"
	grpcgo "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startServer(t *testing.T, m perception.Matcher) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpcgo.NewServer()
	Register(gs, &Server{Matcher: m})
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c, err := Dial("passthrough:///bufnet",
		grpcgo.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpcgo.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_nilMatcher_returnsError(t *testing.T) {
	srv := &Server{}
	req, _ := structpb.NewStruct(map[string]any{"expected_id": "1"})
	if _, err := srv.AttemptMatch(context.Background(), req); err == nil {
		t.Fatal("expected error when matcher is nil")
	}
}

func TestServer_missingExpectedID(t *testing.T) {
	srv := &Server{Matcher: perception.StubMatcher{}}
	if _, err := srv.AttemptMatch(context.Background(), &structpb.Struct{}); err == nil {
		t.Fatal("expected InvalidArgument")
	}
}

func TestClient_roundTrip(t *testing.T) {
	c := startServer(t, perception.StubMatcher{})
	r, err := c.AttemptMatch(context.Background(), "1001", time.Second)
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if !r.Confirms("1001") {
		t.Fatalf("result %+v", r)
	}
}

func TestClient_mismatchAndTimeout(t *testing.T) {
	c := startServer(t, perception.StubMatcher{Outcome: perception.Mismatched, ID: "9"})
	r, err := c.AttemptMatch(context.Background(), "1001", time.Second)
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if r.Outcome != perception.Mismatched || r.ID != "9" {
		t.Fatalf("result %+v", r)
	}

	slow := startServer(t, perception.StubMatcher{Delay: time.Minute})
	r, err = slow.AttemptMatch(context.Background(), "1001", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if r.Outcome != perception.TimedOut {
		t.Fatalf("outcome %s", r.Outcome)
	}
}

func TestClient_cancelled(t *testing.T) {
	c := startServer(t, perception.StubMatcher{Delay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r, err := c.AttemptMatch(ctx, "1001", time.Minute)
	if err != nil {
		t.Fatalf("AttemptMatch: %v", err)
	}
	if r.Outcome != perception.Cancelled {
		t.Fatalf("outcome %s", r.Outcome)
	}
}
