// Command fabric-supervisor brings up, supervises, and tears down one
// machine's declared set of agents from a JSON group manifest.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/observability"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/supervisor"
	"github.com/agentfabric/fabric/internal/wire"
)

const (
	exitOK             = 0
	exitInvalidConfig  = 2
	exitRequiredFailed = 3
	exitInternal       = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "fabric-supervisor",
		Short:         "Supervise a machine's agent fleet from a group manifest",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var manifestPath string
	var bindHost string
	var logDir string
	var queryPort int

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Load the manifest, bring every agent up, and supervise them until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(manifestPath, bindHost, logDir, queryPort)
		},
	}
	runCmd.Flags().StringVar(&manifestPath, "manifest", "", "path to the group manifest JSON document")
	runCmd.Flags().StringVar(&bindHost, "bind-host", "127.0.0.1", "host agents' health endpoints are reachable on")
	runCmd.Flags().StringVar(&logDir, "log-dir", "", "directory for per-agent log files (default: a temp dir)")
	runCmd.Flags().IntVar(&queryPort, "query-port", 0, "if set, serve the operator query endpoint on this port")
	runCmd.MarkFlagRequired("manifest")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a manifest without spawning anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateManifest(manifestPath)
		},
	}
	validateCmd.Flags().StringVar(&manifestPath, "manifest", "", "path to the group manifest JSON document")
	validateCmd.MarkFlagRequired("manifest")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Report how to stop a running supervisor (send it SIGTERM; the query endpoint is read-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopSupervisor(queryPort)
		},
	}
	stopCmd.Flags().IntVar(&queryPort, "query-port", 0, "the running supervisor's operator query port")
	stopCmd.MarkFlagRequired("query-port")

	root.AddCommand(runCmd, validateCmd, stopCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFor(err)
	}
	return exitOK
}

// exitErr carries the exit code a failure should produce, alongside the
// message already written to standard error by the caller.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func exitFor(err error) int {
	var ee *exitErr
	if asExitErr(err, &ee) {
		return ee.code
	}
	return exitInternal
}

func asExitErr(err error, target **exitErr) bool {
	ee, ok := err.(*exitErr)
	if ok {
		*target = ee
	}
	return ok
}

func loadManifest(path string) (supervisor.Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return supervisor.Manifest{}, &exitErr{code: exitInvalidConfig, err: fmt.Errorf("read manifest: %w", err)}
	}
	var m supervisor.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return supervisor.Manifest{}, &exitErr{code: exitInvalidConfig, err: fmt.Errorf("parse manifest: %w", err)}
	}
	if err := supervisor.Validate(m); err != nil {
		return supervisor.Manifest{}, &exitErr{code: exitInvalidConfig, err: fmt.Errorf("invalid manifest: %w", err)}
	}
	return m, nil
}

func validateManifest(path string) error {
	m, err := loadManifest(path)
	if err != nil {
		return err
	}
	order, err := supervisor.TopoOrder(m)
	if err != nil {
		return &exitErr{code: exitInvalidConfig, err: err}
	}
	fmt.Printf("manifest valid: %d agent(s)\n", len(order))
	for _, na := range order {
		fmt.Printf("  %s (group=%s, requires=%v)\n", na.Name, na.Descriptor.Group, na.Descriptor.Dependencies)
	}
	return nil
}

func runSupervisor(manifestPath, bindHost, logDir string, queryPort int) error {
	manifest, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	obs, err := observability.NewObservability(observability.Config{
		ServiceName: "fabric-supervisor",
		Environment: "development",
		LogLevel:    "INFO",
	})
	if err != nil {
		return &exitErr{code: exitInternal, err: fmt.Errorf("observability: %w", err)}
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(obs.Logger)

	pool := endpointpool.New(nil)
	defer pool.CloseAll(context.Background())

	sup, err := supervisor.New(manifest, supervisor.Options{
		Machine:  hostname,
		BindHost: bindHost,
		LogDir:   logDir,
		Pool:     pool,
		Logger:   slog.Default(),
	})
	if err != nil {
		return &exitErr{code: exitInvalidConfig, err: err}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if queryPort > 0 {
		if err := serveQueryEndpoint(ctx, pool, sup, bindHost, queryPort); err != nil {
			return &exitErr{code: exitInternal, err: fmt.Errorf("operator query endpoint: %w", err)}
		}
	}

	if err := sup.Run(ctx); err != nil {
		return &exitErr{code: exitRequiredFailed, err: err}
	}
	return nil
}

// serveQueryEndpoint exposes the Supervisor's Snapshot over the generic
// Requester surface, action "list", the same multiplexing convention every
// fabric request/reply endpoint uses.
func serveQueryEndpoint(ctx context.Context, pool *endpointpool.Pool, sup *supervisor.Supervisor, bindHost string, port int) error {
	addr := fmt.Sprintf("%s:%d", bindHost, port)
	handle, err := pool.Acquire(endpointpool.KindReply, addr, endpointpool.Options{})
	if err != nil {
		return err
	}
	rpcapi.RegisterRequesterServer(handle.Server, &queryServer{sup: sup})
	go func() {
		if serveErr := handle.Server.Serve(handle.Lis); serveErr != nil {
			slog.Default().Debug("supervisor query endpoint stopped", "error", serveErr)
		}
	}()
	go func() {
		<-ctx.Done()
		pool.Release(handle)
	}()
	return nil
}

type queryServer struct {
	sup *supervisor.Supervisor
}

func (q *queryServer) Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	switch req.Action {
	case "list":
		recs, err := q.sup.Snapshot(ctx)
		if err != nil {
			return wire.Errorf("BackendError", "supervisor: %v", err), nil
		}
		payload, err := wire.StructOfValue(map[string]any{"agents": recs})
		if err != nil {
			return wire.Errorf("BackendError", "supervisor: %v", err), nil
		}
		return wire.OK(payload), nil
	default:
		return wire.Errorf("InvalidEntry", "supervisor: unknown query action %q", req.Action), nil
	}
}

func stopSupervisor(queryPort int) error {
	// A running Supervisor owns its own lifecycle via SIGINT/SIGTERM; the
	// operator endpoint is read-only (it only serves Snapshot queries), so
	// "stop" sends the same signal an operator would via the shell.
	return &exitErr{code: exitInternal, err: fmt.Errorf(
		"stop: send SIGTERM to the running fabric-supervisor process (query port %d is read-only)", queryPort)}
}
