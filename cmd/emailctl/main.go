package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/TDXCORE/EmailApp/internal/config"
	"github.com/TDXCORE/EmailApp/internal/daemon"
	"github.com/TDXCORE/EmailApp/internal/instance"
	"github.com/TDXCORE/EmailApp/internal/lock"
	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides $EMAILAPP_INSTANCE)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, name, *jsonFlag)
	case "init":
		cmdInit(name, args[1:])
	case "migrate":
		cmdMigrate(name, *jsonFlag)
	case "instances":
		cmdInstances(ctx, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: emailctl [--instance <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                       Show daemon health")
	fmt.Fprintln(os.Stderr, "  init [--operator id] [--name n]  Write a config.toml with a new operator key")
	fmt.Fprintln(os.Stderr, "  migrate                      Apply database migrations")
	fmt.Fprintln(os.Stderr, "  instances                    List known instances")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

type statusOutput struct {
	Instance string            `json:"instance"`
	Running  bool              `json:"running"`
	PID      int               `json:"pid,omitempty"`
	Addr     string            `json:"addr,omitempty"`
	Started  string            `json:"started,omitempty"`
	Services map[string]string `json:"services,omitempty"`
}

// probe asks the daemon's control socket for the health of every service.
func probe(ctx context.Context, name string) (map[string]string, error) {
	conn, err := grpc.NewClient("unix://"+instance.SocketPath(name), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	client := healthpb.NewHealthClient(conn)
	out := map[string]string{}
	for _, svc := range []string{"", daemon.ServiceHTTP, daemon.ServiceInbox, daemon.ServiceEmail} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			if svc == "" {
				return nil, err
			}
			continue
		}
		label := svc
		if label == "" {
			label = "daemon"
		}
		out[label] = resp.Status.String()
	}
	return out, nil
}

func cmdStatus(ctx context.Context, name string, jsonOut bool) {
	out := statusOutput{Instance: name}
	services, err := probe(ctx, name)
	if err == nil {
		out.Running = true
		out.Services = services
		if info, err := lock.Read(instance.Dir(name)); err == nil {
			out.PID, out.Addr = info.PID, info.Addr
			if !info.Started.IsZero() {
				out.Started = info.Started.Format(time.RFC3339)
			}
		}
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if !out.Running {
		fmt.Printf("Instance %s: not running (%v)\n", name, err)
		os.Exit(1)
	}
	fmt.Printf("Instance: %s\n", out.Instance)
	fmt.Printf("PID:      %d\n", out.PID)
	fmt.Printf("Listen:   %s\n", out.Addr)
	fmt.Printf("Started:  %s\n", out.Started)
	for _, svc := range []string{"daemon", daemon.ServiceHTTP, daemon.ServiceInbox, daemon.ServiceEmail} {
		if st, ok := services[svc]; ok {
			fmt.Printf("  %-16s %s\n", svc, st)
		}
	}
}

func newAPIKey() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func cmdInit(name string, args []string) {
	fset := flag.NewFlagSet("init", flag.ExitOnError)
	operator := fset.String("operator", "", "operator id (default: random uuid)")
	opName := fset.String("name", "admin", "operator display name")
	force := fset.Bool("force", false, "overwrite an existing config")
	_ = fset.Parse(args)

	path := instance.ConfigPath(name)
	if _, err := os.Stat(path); err == nil && !*force {
		fatalf("%s already exists (use --force to overwrite)", path)
	}
	cfg, err := config.Default()
	if err != nil {
		fatalf("%v", err)
	}
	id := *operator
	if id == "" {
		id = uuid.NewString()
	}
	op := config.Operator{ID: id, Name: *opName, APIKey: newAPIKey()}
	cfg.Operators = []config.Operator{op}
	if err := config.Save(path, cfg); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("Operator %s API key: %s\n", op.ID, op.APIKey)
}

func cmdMigrate(name string, jsonOut bool) {
	if err := instance.EnsureDir(name); err != nil {
		fatalf("%v", err)
	}
	lk, err := lock.Acquire(instance.Dir(name), "")
	if err != nil {
		fatalf("%v", err)
	}
	defer func() { _ = lk.Release() }()

	dbPath := instance.DBPath(name)
	if cfg, err := config.Load(instance.ConfigPath(name)); err == nil && cfg.Database.Path != "" {
		dbPath = cfg.Database.Path
	}
	db, err := store.Open(dbPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer func() { _ = db.Close() }()

	res, err := db.Migrate()
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(res)
		return
	}
	if res.Changed {
		fmt.Printf("Migrated %s to version %d\n", dbPath, res.Version)
	} else {
		fmt.Printf("%s is up to date (version %d)\n", dbPath, res.Version)
	}
}

type instanceOutput struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
}

func cmdInstances(ctx context.Context, jsonOut bool) {
	root := filepath.Join(instance.BaseDir(), "instances")
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatalf("%v", err)
	}
	var out []instanceOutput
	for _, e := range entries {
		if !e.IsDir() || instance.ValidateName(e.Name()) != nil {
			continue
		}
		_, err := probe(ctx, e.Name())
		out = append(out, instanceOutput{Name: e.Name(), Path: instance.Dir(e.Name()), Running: err == nil})
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("No instances found.")
		return
	}
	for _, i := range out {
		running := "stopped"
		if i.Running {
			running = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", i.Name, i.Path, running)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
