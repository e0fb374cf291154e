// fleet-perception serves container matching over gRPC for robot agents.
// Until a camera backend is attached it answers with the stub matcher.
// Example: go run ./cmd/fleet-perception --addr=:50051 --delay=500ms
// Then run a robot with: fleet robot run --id 1 --perception localhost:50051
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hania222/warehouse-fleet/internal/perception"
	perceptiongrpc "github.com/hania222/warehouse-fleet/internal/perception/grpc"
	grpcgo "google.golang.org/grpc"
)

func main() {
	addr := flag.String("addr", ":50051", "gRPC listen address")
	delay := flag.Duration("delay", 0, "Simulated camera latency per attempt")
	outcome := flag.String("outcome", "", "Force an outcome: matched, mismatched, timed_out")
	flag.Parse()

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	srv := grpcgo.NewServer()
	matcher := perception.StubMatcher{Delay: *delay, Outcome: perception.Outcome(*outcome)}
	perceptiongrpc.Register(srv, &perceptiongrpc.Server{Matcher: matcher})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	slog.Info("perception gRPC server listening", "addr", *addr, "delay", *delay)
	if err := srv.Serve(lis); err != nil {
		slog.Error("serve", "err", err)
		os.Exit(1)
	}
}
