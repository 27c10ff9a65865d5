// Package docker implements runtime.Client on the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/loykin/runstat/internal/runtime"
)

var (
	_ runtime.Client = (*Runtime)(nil)
	_ runtime.Lister = (*Runtime)(nil)
)

const DefaultNamePrefix = "runstat-"

// Options configures the Docker connection and container naming.
type Options struct {
	// Host overrides DOCKER_HOST; empty uses the environment.
	Host string
	// NamePrefix is prepended to the service name to form the container name.
	NamePrefix string
	// Network is the default network mode for services that set none.
	Network string
}

// Runtime starts one container per service, named NamePrefix+service and
// labelled with runtime.LabelService.
type Runtime struct {
	cli     client.APIClient
	prefix  string
	network string
}

// New creates a Runtime with a Docker client from the environment.
func New(opts Options) (*Runtime, error) {
	copts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		copts = append(copts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(copts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewFromClient(cli, opts), nil
}

// NewFromClient wraps an existing Docker API client.
func NewFromClient(cli client.APIClient, opts Options) *Runtime {
	prefix := opts.NamePrefix
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	return &Runtime{cli: cli, prefix: prefix, network: opts.Network}
}

// ContainerName returns the container name used for service.
func (r *Runtime) ContainerName(service string) string { return r.prefix + service }

func (r *Runtime) Close() error { return r.cli.Close() }

// Start replaces any leftover container for name with a fresh one.
func (r *Runtime) Start(ctx context.Context, name string, s runtime.Settings) (runtime.StartResult, error) {
	if strings.TrimSpace(s.Image) == "" {
		return runtime.StartResult{}, fmt.Errorf("start %s: no image configured", name)
	}
	cname := r.ContainerName(name)
	if err := stopAndRemove(ctx, r.cli, cname); err != nil {
		return runtime.StartResult{}, err
	}
	cc, hc := r.buildConfig(name, s)
	id, err := createAndStart(ctx, r.cli, cname, s.Image, cc, hc)
	if err != nil {
		return runtime.StartResult{}, fmt.Errorf("start %s: %w", name, err)
	}
	return runtime.StartResult{
		ContainerID: id,
		StatsTopic:  runtime.StatsTopic(id),
		LogTopic:    runtime.LogTopic(id),
	}, nil
}

// Stop stops and removes the service's container. A missing container is
// not an error.
func (r *Runtime) Stop(ctx context.Context, name string) error {
	return stopAndRemove(ctx, r.cli, r.ContainerName(name))
}

// Running lists live containers carrying the service label.
func (r *Runtime) Running(ctx context.Context) ([]runtime.Container, error) {
	f := filters.NewArgs(
		filters.Arg("label", runtime.LabelService),
		filters.Arg("status", "running"),
	)
	list, err := r.cli.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]runtime.Container, 0, len(list))
	for _, c := range list {
		svc := c.Labels[runtime.LabelService]
		if svc == "" {
			continue
		}
		out = append(out, runtime.Container{ID: c.ID, Service: svc, StatsTopic: runtime.StatsTopic(c.ID)})
	}
	return out, nil
}

func (r *Runtime) buildConfig(name string, s runtime.Settings) (*container.Config, *container.HostConfig) {
	labels := make(map[string]string, len(s.Labels)+1)
	for k, v := range s.Labels {
		labels[k] = v
	}
	labels[runtime.LabelService] = name

	cc := &container.Config{
		Image:  s.Image,
		Cmd:    s.Cmd,
		Env:    s.Env,
		Labels: labels,
	}
	network := s.Network
	if network == "" {
		network = r.network
	}
	hc := &container.HostConfig{
		NetworkMode:   container.NetworkMode(network),
		RestartPolicy: parseRestartPolicy(s.Restart),
		Resources: container.Resources{
			NanoCPUs: int64(s.CPUs * 1e9),
			Memory:   s.MemoryMB * 1024 * 1024,
		},
	}
	return cc, hc
}

func parseRestartPolicy(policy string) container.RestartPolicy {
	switch strings.TrimSpace(policy) {
	case "always":
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case "on-failure":
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	case "unless-stopped":
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}

// createAndStart creates and starts a container, pulling the image and
// retrying once if it is not present locally.
func createAndStart(ctx context.Context, cli client.APIClient, name, img string, cc *container.Config, hc *container.HostConfig) (string, error) {
	resp, err := cli.ContainerCreate(ctx, cc, hc, nil, nil, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return "", fmt.Errorf("create container: %w", err)
		}
		if err := pullImage(ctx, cli, img); err != nil {
			return "", err
		}
		if resp, err = cli.ContainerCreate(ctx, cc, hc, nil, nil, name); err != nil {
			return "", fmt.Errorf("create container after pull: %w", err)
		}
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func pullImage(ctx context.Context, cli client.APIClient, img string) error {
	slog.Info("Pulling image", "image", img)
	rc, err := cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: read response: %w", img, err)
	}
	return nil
}

// stopAndRemove is idempotent: NotFound from either call is ignored.
func stopAndRemove(ctx context.Context, cli client.APIClient, name string) error {
	if err := cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}
