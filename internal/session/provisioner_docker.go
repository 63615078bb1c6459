package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/config"
	"github.com/winfleet/winfleet/internal/common/logger"
)

// DockerProvisioner provisions sessions as containers running the agent
// image. Each session maps its allocated port into the container.
type DockerProvisioner struct {
	cli     *client.Client
	image   string
	network string
	logger  *logger.Logger
}

// NewDockerProvisioner creates a provisioner against the configured Docker
// daemon and verifies connectivity with a ping.
func NewDockerProvisioner(cfg config.DockerConfig, log *logger.Logger) (*DockerProvisioner, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping docker daemon: %w", err)
	}

	return &DockerProvisioner{
		cli:     cli,
		image:   cfg.Image,
		network: cfg.Network,
		logger:  log.WithFields(zap.String("component", "docker-provisioner")),
	}, nil
}

// Provision creates and starts an agent container bound to the session port.
func (p *DockerProvisioner) Provision(ctx context.Context, user string, port int) (*Handle, error) {
	portStr := strconv.Itoa(port)
	exposed := nat.Port(portStr + "/tcp")

	containerCfg := &container.Config{
		Image: p.image,
		Env: []string{
			"WINFLEET_SESSION_USER=" + user,
			"WINFLEET_AGENT_PORT=" + portStr,
		},
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
		Labels: map[string]string{
			"winfleet.managed":      "true",
			"winfleet.session.user": user,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.network),
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: portStr}},
		},
	}

	name := fmt.Sprintf("winfleet-session-%s-%d", user, port)
	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create session container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the half-created container.
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, fmt.Errorf("failed to start session container: %w", err)
	}

	p.logger.Info("session container started",
		zap.String("container_id", resp.ID[:12]),
		zap.String("user", user),
		zap.Int("port", port))

	return &Handle{User: user, Port: port, Ref: resp.ID}, nil
}

// Destroy stops and removes the session container. A missing container is
// treated as already destroyed.
func (p *DockerProvisioner) Destroy(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.Ref == "" {
		return nil
	}

	timeout := 10
	if err := p.cli.ContainerStop(ctx, handle.Ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			p.logger.Warn("failed to stop session container",
				zap.String("container_id", handle.Ref),
				zap.Error(err))
		}
	}

	if err := p.cli.ContainerRemove(ctx, handle.Ref, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove session container: %w", err)
	}
	return nil
}

// CheckHealth inspects the container and reports whether it is running.
func (p *DockerProvisioner) CheckHealth(ctx context.Context, handle *Handle) (bool, error) {
	if handle == nil || handle.Ref == "" {
		return false, nil
	}

	info, err := p.cli.ContainerInspect(ctx, handle.Ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect session container: %w", err)
	}

	if info.State == nil || info.State.Status != "running" {
		return false, nil
	}
	if info.State.Health != nil && info.State.Health.Status == "unhealthy" {
		return false, nil
	}
	return true, nil
}

// Close releases the Docker client.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}
