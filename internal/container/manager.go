// Package container spawns and tears down sandboxed agent containers and
// hands out live harness connections.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/go-units"
	"github.com/gorilla/websocket"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/config"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
	"github.com/whiteboardmonk/agcluster-container-sub000/pkg/protocol"
)

// Labels stamped on every container the gateway owns.
const (
	LabelOwned     = "agcluster"
	LabelSessionID = "session_id"
	LabelConfigID  = "config_id"
)

const tracerName = "agcluster/container"

// runtimeAPI is the subset of the Docker client the manager uses.
// Narrowed for fakes in tests.
type runtimeAPI interface {
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]types.Container, error)
	ContainerWait(ctx context.Context, containerID string, condition containertypes.WaitCondition) (<-chan containertypes.WaitResponse, <-chan error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (containertypes.StatsResponseReader, error)
}

// Agent is one spawned container plus its live harness connection.
type Agent struct {
	ID          string // short container id, exposed as agent_id
	ContainerID string
	SessionID   string
	ConfigID    string
	IP          string
	Conn        *Connection
}

// ExitEvent is published when a spawned container leaves the running state.
type ExitEvent struct {
	AgentID   string
	SessionID string
	ExitCode  int64
	Err       error
}

// SpawnRequest carries everything needed to start one agent container.
type SpawnRequest struct {
	SessionID string
	Config    *registry.AgentConfig
	APIKey    string
	McpEnv    map[string]string
}

// Manager owns the container runtime client and the agent image reference.
// It is safe for concurrent use; independent spawns proceed in parallel.
type Manager struct {
	cli   runtimeAPI
	cfg   config.ContainerConfig
	exits chan ExitEvent

	// dial is swapped in tests to avoid a real WebSocket handshake.
	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewManager wraps a runtime client. The client must be safe for concurrent
// use (the Docker SDK client is).
func NewManager(cli runtimeAPI, cfg config.ContainerConfig) *Manager {
	return &Manager{
		cli:   cli,
		cfg:   cfg,
		exits: make(chan ExitEvent, 64),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
			conn, _, err := d.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Exits delivers container exit notifications. The session manager consumes
// this channel to transition sessions whose container died underneath them.
func (m *Manager) Exits() <-chan ExitEvent { return m.exits }

// Spawn creates, starts, and connects to one agent container. On any
// failure the partial container is torn down before the error returns.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Agent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "container.Spawn",
		trace.WithAttributes(
			attribute.String("session_id", req.SessionID),
			attribute.String("config_id", req.Config.ID),
		))
	defer span.End()

	spec, err := m.composeSpec(req)
	if err != nil {
		return nil, err
	}

	name := "agcluster-" + req.SessionID
	created, err := m.cli.ContainerCreate(ctx, spec.config, spec.host, spec.networking, nil, name)
	if err != nil {
		return nil, classifyStartError(err)
	}
	containerID := created.ID

	if err := m.cli.ContainerStart(ctx, containerID, containertypes.StartOptions{}); err != nil {
		m.remove(context.WithoutCancel(ctx), containerID)
		return nil, classifyStartError(err)
	}

	info, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		m.remove(context.WithoutCancel(ctx), containerID)
		return nil, errdefs.Wrap(errdefs.KindContainerStartFailed, err, "inspect container")
	}
	ip := containerIP(info, m.cfg.Network)
	if ip == "" {
		m.remove(context.WithoutCancel(ctx), containerID)
		return nil, errdefs.New(errdefs.KindContainerStartFailed, "container has no address on network %q", m.cfg.Network)
	}

	conn, err := m.awaitReady(ctx, ip)
	if err != nil {
		m.remove(context.WithoutCancel(ctx), containerID)
		return nil, err
	}

	agent := &Agent{
		ID:          shortID(containerID),
		ContainerID: containerID,
		SessionID:   req.SessionID,
		ConfigID:    req.Config.ID,
		IP:          ip,
		Conn:        conn,
	}
	go m.watchExit(agent)

	slog.Info("agent container ready",
		"agent_id", agent.ID,
		"session_id", req.SessionID,
		"config_id", req.Config.ID,
		"ip", ip,
	)
	return agent, nil
}

type containerSpec struct {
	config     *containertypes.Config
	host       *containertypes.HostConfig
	networking *network.NetworkingConfig
}

func (m *Manager) composeSpec(req SpawnRequest) (*containerSpec, error) {
	cfg := req.Config

	mcp, err := registry.ResolvePlaceholders(cfg, req.McpEnv)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidConfig, err, "resolve mcp env")
	}

	env := []string{"ANTHROPIC_API_KEY=" + req.APIKey}
	for k, v := range cfg.Env {
		resolved, rerr := registry.ResolveValue(v, req.McpEnv)
		if rerr != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidConfig, rerr, "resolve env")
		}
		env = append(env, k+"="+resolved)
	}
	// The harness reads its agent definition and MCP endpoints from env.
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode agent config: %w", err)
	}
	env = append(env, "AGCLUSTER_AGENT_CONFIG="+string(cfgJSON))
	if len(mcp) > 0 {
		mcpJSON, merr := json.Marshal(mcp)
		if merr != nil {
			return nil, fmt.Errorf("encode mcp servers: %w", merr)
		}
		env = append(env, "AGCLUSTER_MCP_SERVERS="+string(mcpJSON))
	}

	cpuQuota := m.cfg.CPUQuotaMicros
	memLimit := m.cfg.MemoryLimit
	storageLimit := m.cfg.StorageLimit
	if r := cfg.Resources; r != nil {
		if r.CPUQuotaMicros > 0 {
			cpuQuota = r.CPUQuotaMicros
		}
		if r.MemoryLimit != "" {
			memLimit = r.MemoryLimit
		}
		if r.StorageLimit != "" {
			storageLimit = r.StorageLimit
		}
	}
	memBytes, err := units.RAMInBytes(memLimit)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidConfig, err, "parse memory limit")
	}

	cc := &containertypes.Config{
		Image: m.cfg.Image,
		Cmd:   []string{"agcluster-agent", "serve", "--port", strconv.Itoa(m.cfg.HarnessPort)},
		Env:   env,
		Labels: map[string]string{
			LabelOwned:     "true",
			LabelSessionID: req.SessionID,
			LabelConfigID:  cfg.ID,
		},
	}
	if cfg.Cwd != "" {
		cc.WorkingDir = cfg.Cwd
	}

	hc := &containertypes.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		NetworkMode:    containertypes.NetworkMode(m.cfg.Network),
		Resources: containertypes.Resources{
			CPUQuota:  cpuQuota,
			CPUPeriod: 100000,
			Memory:    memBytes,
		},
		StorageOpt: map[string]string{"size": storageLimit},
		Tmpfs:      map[string]string{"/tmp": "rw,noexec,nosuid"},
	}

	nc := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			m.cfg.Network: {},
		},
	}
	return &containerSpec{config: cc, host: hc, networking: nc}, nil
}

// awaitReady polls the WebSocket handshake with doubling backoff
// (100ms → 1s) until the hard deadline, then requires the first event to be
// system(init) or system(ready) within 2s of the accepted handshake.
func (m *Manager) awaitReady(ctx context.Context, ip string) (*Connection, error) {
	url := fmt.Sprintf("ws://%s:%d", ip, m.cfg.HarnessPort)
	deadline := time.Now().Add(m.cfg.ReadyTimeout())
	interval := 100 * time.Millisecond

	var ws *websocket.Conn
	for {
		var err error
		ws, err = m.dial(ctx, url)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, errdefs.Wrap(errdefs.KindReadinessTimeout, err, "harness handshake")
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if interval *= 2; interval > time.Second {
			interval = time.Second
		}
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, errdefs.Wrap(errdefs.KindReadinessTimeout, err, "first harness event")
	}
	ws.SetReadDeadline(time.Time{})

	ev, err := protocol.ParseEvent(data)
	if err != nil {
		ws.Close()
		return nil, errdefs.Wrap(errdefs.KindReadinessTimeout, err, "first harness event")
	}
	if ev.Kind != protocol.EventSystem || (ev.Status != protocol.SystemInit && ev.Status != protocol.SystemReady) {
		ws.Close()
		return nil, errdefs.New(errdefs.KindReadinessTimeout, "unexpected first event %s/%s", ev.Kind, ev.Status)
	}
	return NewConnection(ws, ev), nil
}

// Teardown releases an agent: best-effort shutdown frame, socket close,
// graceful stop, forced removal with volumes. Idempotent and safe from any
// state.
func (m *Manager) Teardown(ctx context.Context, agent *Agent) {
	if agent == nil {
		return
	}
	if agent.Conn != nil && !agent.Conn.Closed() {
		agent.Conn.Send(protocol.Shutdown())
		agent.Conn.Close()
	}
	m.remove(ctx, agent.ContainerID)
}

func (m *Manager) remove(ctx context.Context, containerID string) {
	grace := int(m.cfg.StopGrace().Seconds())
	if err := m.cli.ContainerStop(ctx, containerID, containertypes.StopOptions{Timeout: &grace}); err != nil && !dockererrdefs.IsNotFound(err) {
		slog.Debug("container stop", "container_id", shortID(containerID), "error", err)
	}
	err := m.cli.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !dockererrdefs.IsNotFound(err) {
		slog.Warn("container remove failed", "container_id", shortID(containerID), "error", err)
		return
	}
	slog.Debug("container removed", "container_id", shortID(containerID))
}

// watchExit blocks on the runtime's wait primitive and publishes the exit.
// Delivery is non-blocking: a full channel is dropped with a log rather
// than stalling the watcher.
func (m *Manager) watchExit(agent *Agent) {
	waitCh, errCh := m.cli.ContainerWait(context.Background(), agent.ContainerID, containertypes.WaitConditionNotRunning)
	ev := ExitEvent{AgentID: agent.ID, SessionID: agent.SessionID}
	select {
	case res := <-waitCh:
		ev.ExitCode = res.StatusCode
	case err := <-errCh:
		ev.Err = err
	}
	select {
	case m.exits <- ev:
	default:
		slog.Warn("exit event dropped, channel full", "agent_id", agent.ID)
	}
}

// ReapOrphans removes every container labeled as gateway-owned. Run once at
// startup: sessions do not survive a restart, so anything labeled is stale.
func (m *Manager) ReapOrphans(ctx context.Context) int {
	list, err := m.cli.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelOwned+"=true")),
	})
	if err != nil {
		slog.Warn("orphan scan failed", "error", err)
		return 0
	}
	for _, c := range list {
		slog.Info("reaping orphan container", "container_id", shortID(c.ID), "session_id", c.Labels[LabelSessionID])
		m.remove(ctx, c.ID)
	}
	return len(list)
}

// Stats is a point-in-time resource snapshot for one container.
type Stats struct {
	AgentID     string  `json:"agent_id"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage uint64  `json:"memory_usage"`
	MemoryLimit uint64  `json:"memory_limit"`
}

// ContainerStats fetches one-shot stats for a running agent.
func (m *Manager) ContainerStats(ctx context.Context, agent *Agent) (*Stats, error) {
	resp, err := m.cli.ContainerStatsOneShot(ctx, agent.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw containertypes.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	s := &Stats{
		AgentID:     agent.ID,
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		s.CPUPercent = cpuDelta / sysDelta * float64(raw.CPUStats.OnlineCPUs) * 100.0
	}
	return s, nil
}

func classifyStartError(err error) error {
	if strings.Contains(err.Error(), "no space left") || strings.Contains(err.Error(), "disk quota") {
		return errdefs.Wrap(errdefs.KindResourceExhausted, err, "start container")
	}
	return errdefs.Wrap(errdefs.KindContainerStartFailed, err, "start container")
}

func containerIP(info types.ContainerJSON, networkName string) string {
	if info.NetworkSettings == nil {
		return ""
	}
	if ep, ok := info.NetworkSettings.Networks[networkName]; ok {
		return ep.IPAddress
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
