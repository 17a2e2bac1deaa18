package browser

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/heisenworks/applyos/internal/core/domain"
	"github.com/heisenworks/applyos/internal/core/ports"
)

const (
	baseSocketDir    = "/tmp/applyos/sockets"
	baseProfileDir   = "/var/lib/applyos/profiles"
	containerSockDir = "/var/run/applyos"
	watchdogSockName = "watchdog.sock"
	containerUser    = "applyos"
)

// Manager runs browser workers as Docker containers. Each worker gets its
// own browser profile directory and a watchdog unix socket for liveness.
type Manager struct {
	cli *client.Client
}

func NewManager() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Manager{cli: cli}, nil
}

var _ ports.BrowserManager = (*Manager)(nil)

func (m *Manager) Spawn(ctx context.Context, spec domain.WorkerSpec) (domain.WorkerID, error) {
	id := domain.WorkerID(uuid.New().String())

	socketDir := filepath.Join(baseSocketDir, string(id))
	profileDir := filepath.Join(baseProfileDir, string(id))

	if err := os.MkdirAll(socketDir, 0777); err != nil {
		return "", fmt.Errorf("failed to create socket dir: %w", err)
	}
	// MkdirAll might be restricted by umask
	_ = os.Chmod(socketDir, 0777)

	if err := os.MkdirAll(profileDir, 0755); err != nil {
		_ = os.RemoveAll(socketDir)
		return "", fmt.Errorf("failed to create profile dir: %w", err)
	}

	envSlice := []string{
		fmt.Sprintf("WATCHDOG_SOCKET_PATH=%s/%s", containerSockDir, watchdogSockName),
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
	for k, v := range spec.Env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          envSlice,
		User:         containerUser,
		Tty:          false,
		OpenStdin:    false,
		AttachStdout: false,
		AttachStderr: false,
		Labels: map[string]string{
			"applyos.managed":   "true",
			"applyos.worker_id": string(id),
		},
	}

	resources := container.Resources{}
	if spec.ResourceCPU > 0 {
		resources.NanoCPUs = int64(spec.ResourceCPU * 1e9)
	}
	if spec.ResourceMem > 0 {
		resources.Memory = spec.ResourceMem
	}

	hostCfg := &container.HostConfig{
		// The worker needs outbound network to reach target pages and to
		// dial the kernel's inspector endpoint.
		NetworkMode: "bridge",
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: socketDir,
				Target: containerSockDir,
			},
			{
				Type:   mount.TypeBind,
				Source: profileDir,
				Target: "/profile",
			},
		},
		Resources: resources,
		// Chromium needs a big /dev/shm or it crashes tabs
		ShmSize: 512 * 1024 * 1024,
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=256m",
		},
	}

	netCfg := &network.NetworkingConfig{}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, "applyos-worker-"+string(id))
	if client.IsErrNotFound(err) {
		reader, pullErr := m.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if pullErr != nil {
			m.cleanup(socketDir, profileDir)
			return "", fmt.Errorf("failed to pull image %s: %w", spec.Image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, "applyos-worker-"+string(id))
	}
	if err != nil {
		m.cleanup(socketDir, profileDir)
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		m.cleanup(socketDir, profileDir)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return id, nil
}

func (m *Manager) cleanup(paths ...string) {
	for _, p := range paths {
		_ = os.RemoveAll(p)
	}
}

func (m *Manager) HealthCheck(ctx context.Context, id domain.WorkerID) (domain.HealthStatus, error) {
	cID := "applyos-worker-" + string(id)
	inspect, err := m.cli.ContainerInspect(ctx, cID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.HealthStatusExited, nil
		}
		return domain.HealthStatusUnknown, err
	}
	if !inspect.State.Running {
		return domain.HealthStatusExited, nil
	}

	// The container is up; ask the in-container watchdog whether the
	// browser itself is alive.
	socketPath := filepath.Join(baseSocketDir, string(id), watchdogSockName)
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 500 * time.Millisecond,
	}

	resp, err := httpClient.Get("http://localhost/health")
	if err != nil {
		// Running but unreachable, probably still booting the browser
		return domain.HealthStatusStarting, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return domain.HealthStatusHealthy, nil
	}
	return domain.HealthStatusUnhealthy, nil
}

func (m *Manager) Kill(ctx context.Context, id domain.WorkerID) error {
	cID := "applyos-worker-" + string(id)
	err := m.cli.ContainerRemove(ctx, cID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	m.cleanup(filepath.Join(baseSocketDir, string(id)))
	// Browser profiles survive worker restarts so logins persist
	return nil
}

func (m *Manager) List(ctx context.Context) ([]domain.Worker, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: makeFilters(map[string]string{
			"label": "applyos.managed=true",
		}),
	})
	if err != nil {
		return nil, err
	}

	var workers []domain.Worker
	for _, c := range containers {
		idStr := c.Labels["applyos.worker_id"]
		if idStr == "" {
			continue
		}

		status := domain.HealthStatusUnknown
		switch c.State {
		case "running":
			status = domain.HealthStatusHealthy // Optimistic
		case "exited", "dead":
			status = domain.HealthStatusExited
		}

		workers = append(workers, domain.Worker{
			ID:     domain.WorkerID(idStr),
			Status: status,
			Metadata: map[string]string{
				"docker_id": c.ID,
				"image":     c.Image,
			},
		})
	}
	return workers, nil
}

func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
