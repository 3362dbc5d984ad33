// Package sandbox implements the sandbox executor (C1) and its resource
// watcher (C2): running one command inside an ephemeral, resource-capped
// Docker container and observing its cgroup from the host.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	"go.uber.org/zap"

	appErr "github.com/FouGuai/fuzoj-judge-worker/pkg/errors"

	jspec "github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/spec"
)

// stackUlimitBytes pins the stack soft/hard ulimit per §4.1 ("stack ulimit
// pinned, soft = hard ≈ 8 GiB").
const stackUlimitBytes = 8 << 30

// Executor is C1: it drives a container through its full lifecycle for a
// single command invocation.
type Executor struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewExecutor dials the Docker Engine API and verifies it is reachable,
// mirroring the connect-then-ping sequence production Docker clients in
// this codebase's lineage use.
func NewExecutor(ctx context.Context, logger *zap.Logger) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxFailure, "create docker client failed")
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, appErr.Wrapf(err, appErr.SandboxFailure, "ping docker daemon failed")
	}
	return &Executor{cli: cli, logger: logger}, nil
}

// Close releases the underlying Docker client.
func (e *Executor) Close() error {
	return e.cli.Close()
}

// Execute runs one container invocation to completion per §4.1's
// numbered behaviour: create, start, watch, kill-if-needed, collect logs,
// inspect, compute memory cost, remove.
func (e *Executor) Execute(ctx context.Context, run jspec.RunSpec) (jspec.SandboxExecuteResult, error) {
	containerID, err := e.createContainer(ctx, run)
	if err != nil {
		return jspec.SandboxExecuteResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "create container failed")
	}
	defer e.removeContainer(context.Background(), containerID)

	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return jspec.SandboxExecuteResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "start container failed")
	}

	watch := WatchContainer(ctx, containerID, run.Limits.TimeUs)

	if !e.hasExited(ctx, containerID) {
		if err := e.cli.ContainerKill(ctx, containerID, "KILL"); err != nil {
			e.logger.Warn("sandbox: kill container failed", zap.String("container_id", containerID), zap.Error(err))
		}
	}

	output, truncated, err := e.collectOutput(ctx, containerID, run.Limits.MaxOutputBytes)
	if err != nil {
		return jspec.SandboxExecuteResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "collect output failed")
	}

	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return jspec.SandboxExecuteResult{}, appErr.Wrapf(err, appErr.SandboxFailure, "inspect container failed")
	}

	exitCode := 0
	oomKilled := false
	if inspect.State != nil {
		exitCode = inspect.State.ExitCode
		oomKilled = inspect.State.OOMKilled
	}
	// The Docker API's OOMKilled bit is sometimes stale for the short-lived
	// containers a sandbox run produces; cross-check against the cgroup's
	// own oom_kill counter before trusting a false reading.
	if !oomKilled {
		oomKilled = WasOomKilled(containerID)
	}

	memoryCost := resolveMemoryCost(oomKilled, watch.MemoryResultBytes, run.Limits.MemoryBytes)

	return jspec.SandboxExecuteResult{
		ExitCode:        exitCode,
		TimeCostUs:      watch.TimeResultUs,
		MemoryCostBytes: memoryCost,
		Output:          output,
		OutputTruncated: truncated,
		OomKilled:       oomKilled,
	}, nil
}

// resolveMemoryCost implements §4.1 step 7's precedence, preserved as-is
// per the Open Question in DESIGN.md about the watcher/runtime race.
func resolveMemoryCost(oomKilled bool, watcherBytes, memoryLimitBytes int64) int64 {
	if oomKilled {
		return memoryLimitBytes
	}
	if watcherBytes > memoryLimitBytes {
		return 0
	}
	return watcherBytes
}

func (e *Executor) createContainer(ctx context.Context, run jspec.RunSpec) (string, error) {
	binds := []string{fmt.Sprintf("%s:%s:rw", run.HostMountDir, run.Target)}
	for _, m := range run.ExtraMounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}

	pidsLimit := run.Limits.PIDs
	cfg := &container.Config{
		Image:           run.Image,
		Cmd:             run.Argv,
		Env:             run.Env,
		WorkingDir:      run.Target,
		NetworkDisabled: true,
		Tty:             false,
	}
	hostCfg := &container.HostConfig{
		Binds:          binds,
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		AutoRemove:     false,
		Privileged:     false,
		Resources: container.Resources{
			Memory:     run.Limits.MemoryBytes,
			MemorySwap: run.Limits.MemoryBytes,
			CPUPeriod:  100000,
			CPUQuota:   100000,
			Ulimits: []*units.Ulimit{
				{Name: "stack", Soft: stackUlimitBytes, Hard: stackUlimitBytes},
			},
		},
	}
	if pidsLimit > 0 {
		hostCfg.Resources.PidsLimit = &pidsLimit
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *Executor) hasExited(ctx context.Context, containerID string) bool {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Status == "exited"
}

func (e *Executor) collectOutput(ctx context.Context, containerID string, maxBytes int64) (string, bool, error) {
	reader, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", false, err
	}
	defer reader.Close()

	var buf bytes.Buffer
	limit := maxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	limited := io.LimitReader(reader, limit+1)
	if _, err := stdcopy.StdCopy(&buf, &buf, limited); err != nil && err != io.EOF {
		return "", false, err
	}

	truncated := false
	out := buf.Bytes()
	if int64(len(out)) > limit {
		out = out[:limit]
		truncated = true
	}
	return string(out), truncated, nil
}

func (e *Executor) removeContainer(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Warn("sandbox: remove container failed", zap.String("container_id", containerID), zap.Error(err))
	}
}
