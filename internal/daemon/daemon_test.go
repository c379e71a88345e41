package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TDXCORE/EmailApp/internal/api"
	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/config"
	"github.com/TDXCORE/EmailApp/internal/instance"
	"github.com/TDXCORE/EmailApp/internal/lock"
	"github.com/TDXCORE/EmailApp/internal/status"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// shortTempDir keeps unix socket paths under the 104-char macOS limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "emailapp-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func healthClient(t *testing.T, socketPath string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func waitServing(t *testing.T, c healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last healthpb.HealthCheckResponse_ServingStatus
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		cancel()
		if err == nil {
			last = resp.Status
			if last == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("service %q status = %v, want %v", service, last, want)
}

func TestControlTracksState(t *testing.T) {
	socketPath := filepath.Join(shortTempDir(t), "d.sock")
	b := bus.New()
	m := status.NewMachine(b)

	ctrl, err := NewControl(socketPath, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctrl.Register(ServiceInbox, false)
	ctrl.Register(ServiceEmail, true)
	ctrl.Track(m, b)
	go func() { _ = ctrl.Start() }()
	defer ctrl.Stop(context.Background())

	c := healthClient(t, socketPath)
	waitServing(t, c, "", healthpb.HealthCheckResponse_NOT_SERVING)

	for _, s := range []status.State{status.Migrating, status.Starting, status.Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	waitServing(t, c, "", healthpb.HealthCheckResponse_SERVING)
	waitServing(t, c, ServiceEmail, healthpb.HealthCheckResponse_SERVING)
	waitServing(t, c, ServiceInbox, healthpb.HealthCheckResponse_NOT_SERVING)

	if err := m.TransitionWithReason(status.Degraded, "marks: redis unavailable"); err != nil {
		t.Fatal(err)
	}
	waitServing(t, c, "", healthpb.HealthCheckResponse_SERVING)

	if err := m.Transition(status.Stopping); err != nil {
		t.Fatal(err)
	}
	waitServing(t, c, "", healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestModuleLifecycle(t *testing.T) {
	home := shortTempDir(t)
	t.Setenv(instance.HomeEnv, home)

	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Listen.Addr = "127.0.0.1:0"
	cfg.Log.Level = "error"
	cfg.Operators = []config.Operator{{ID: "ana", Name: "Ana", APIKey: "k1"}}

	var srv *api.Server
	app := fxtest.New(t,
		Module(Params{Instance: "test", Config: cfg}),
		fx.Populate(&srv),
	)
	app.RequireStart()

	c := healthClient(t, instance.SocketPath("test"))
	waitServing(t, c, "", healthpb.HealthCheckResponse_SERVING)
	waitServing(t, c, ServiceInbox, healthpb.HealthCheckResponse_NOT_SERVING)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body["state"] != string(status.Ready) {
		t.Errorf("healthz = %d %v", resp.StatusCode, body)
	}

	info, err := lock.Read(instance.Dir("test"))
	if err != nil {
		t.Fatal(err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", info.PID, os.Getpid())
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+srv.Addr()+"/api/v1/inbox/conversations", nil)
	req.Header.Set("Authorization", "Bearer k1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("inbox with whatsapp disabled = %d, want 503", resp.StatusCode)
	}

	app.RequireStop()

	if _, err := os.Stat(instance.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
	lk, err := lock.Acquire(instance.Dir("test"), "")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lk.Release()
}

func TestModuleFallsBackWhenRedisIsDown(t *testing.T) {
	home := shortTempDir(t)
	t.Setenv(instance.HomeEnv, home)

	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Listen.Addr = "127.0.0.1:0"
	cfg.Log.Level = "error"
	cfg.Marks.Backend = config.MarksRedis
	cfg.Marks.RedisAddr = "127.0.0.1:1"

	var m *status.Machine
	app := fxtest.New(t,
		Module(Params{Instance: "degraded", Config: cfg}),
		fx.Populate(&m),
	)
	app.RequireStart()
	defer app.RequireStop()

	if m.Current() != status.Degraded {
		t.Errorf("state = %s, want DEGRADED", m.Current())
	}
	if m.Reason() == "" {
		t.Error("degraded without a reason")
	}
}
