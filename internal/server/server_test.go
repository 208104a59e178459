// Integration tests for the health server
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/kak-smko/mongodb-ro/internal/metrics"
	"github.com/kak-smko/mongodb-ro/pkg/driver"
	"github.com/kak-smko/mongodb-ro/pkg/driver/memdriver"
	"github.com/kak-smko/mongodb-ro/pkg/indexsync"
	"github.com/kak-smko/mongodb-ro/pkg/schema"
)

const bufSize = 1024 * 1024

func syncers(t *testing.T, db driver.Database) []*indexsync.Synchronizer {
	t.Helper()
	decls := []schema.Declaration{
		{Collection: "users", Fields: []schema.FieldDeclaration{{Name: "phone", Attrs: "unique"}}},
		{Collection: "posts", Fields: []schema.FieldDeclaration{{Name: "body", Attrs: "text"}}},
	}
	out := make([]*indexsync.Synchronizer, 0, len(decls))
	for _, d := range decls {
		meta, err := schema.FromDeclaration(d)
		if err != nil {
			t.Fatalf("FromDeclaration failed: %v", err)
		}
		out = append(out, indexsync.New(db.Collection(d.Collection), meta))
	}
	return out
}

func setupTestServer(t *testing.T, s *Server) (healthpb.HealthClient, func()) {
	lis := bufconn.Listen(bufSize)
	go func() {
		// returns when the server stops
		_ = s.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}

	cleanup := func() {
		conn.Close()
		s.Stop()
		lis.Close()
	}
	return healthpb.NewHealthClient(conn), cleanup
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Health check for %q failed: %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthFollowsSync(t *testing.T) {
	db := memdriver.New("test")
	reg := prometheus.NewRegistry()
	s := New(syncers(t, db), Options{Metrics: metrics.New(reg), Retry: time.Millisecond})
	client, cleanup := setupTestServer(t, s)
	defer cleanup()

	for _, svc := range []string{"", "users", "posts"} {
		if got := status(t, client, svc); got != healthpb.HealthCheckResponse_NOT_SERVING {
			t.Errorf("Expected %q NOT_SERVING before sync, got %s", svc, got)
		}
	}

	if err := s.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	for _, svc := range []string{"", "users", "posts"} {
		if got := status(t, client, svc); got != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("Expected %q SERVING after sync, got %s", svc, got)
		}
	}
	if !s.Ready() {
		t.Error("Expected server ready")
	}
}

func TestPartialReadiness(t *testing.T) {
	ctx := context.Background()
	db := memdriver.New("test")

	// conflicts with the declared unique phone index
	if _, err := db.Collection("users").CreateIndex(ctx, driver.IndexModel{Keys: bson.D{{Key: "phone", Value: 1}}}); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}

	s := New(syncers(t, db), Options{Retry: time.Millisecond})
	client, cleanup := setupTestServer(t, s)
	defer cleanup()

	if err := s.SyncAll(ctx); err == nil {
		t.Fatal("Expected sync to fail for users")
	}
	if got := status(t, client, "posts"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected posts SERVING, got %s", got)
	}
	if got := status(t, client, "users"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected users NOT_SERVING, got %s", got)
	}
	if got := status(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected overall NOT_SERVING, got %s", got)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.WaitReady(waitCtx); err == nil {
		t.Error("Expected WaitReady to give up when the context ends")
	}

	if err := db.Collection("users").DropIndex(ctx, "phone_1"); err != nil {
		t.Fatalf("DropIndex failed: %v", err)
	}
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed after fixing the conflict: %v", err)
	}
	if got := status(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected overall SERVING, got %s", got)
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetModelReady("users", true)

	ready := false
	mux := observabilityMux(reg, func() bool { return ready })

	get := func(path string) (int, string) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		body, _ := io.ReadAll(rec.Result().Body)
		return rec.Code, string(body)
	}

	if code, _ := get("/health"); code != http.StatusOK {
		t.Errorf("Expected /health 200, got %d", code)
	}
	if code, _ := get("/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("Expected /ready 503 while syncing, got %d", code)
	}
	ready = true
	if code, _ := get("/ready"); code != http.StatusOK {
		t.Errorf("Expected /ready 200, got %d", code)
	}

	code, body := get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, `mongoro_model_ready{collection="users"} 1`) {
		t.Errorf("Expected model readiness in /metrics, got %d:\n%s", code, body)
	}
}
