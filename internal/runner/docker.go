package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/config"
)

const (
	// Label keys for container management
	labelParamKey = "spdispatch.param_key"
	labelProblem  = "spdispatch.prob_type"
	labelManaged  = "spdispatch.managed"
)

// DockerRunner runs each solver invocation in a fresh container with the
// results directory bind-mounted.
type DockerRunner struct {
	client  *client.Client
	config  *config.DockerConfig
	command []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewDockerRunner connects to the Docker daemon described by the environment.
func NewDockerRunner(cfg *config.DockerConfig, command []string, timeout time.Duration, logger *zap.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	logger.Info("Docker client connected",
		zap.String("image", cfg.Image),
	)

	return &DockerRunner{
		client:  cli,
		config:  cfg,
		command: command,
		timeout: timeout,
		logger:  logger.With(zap.String("runner", "docker")),
	}, nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

// Run starts the solver container, waits for it and removes it.
func (r *DockerRunner) Run(ctx context.Context, req Request) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := r.ensureImage(ctx); err != nil {
		return runnerError(req, fmt.Errorf("failed to ensure image: %w", err))
	}

	containerConfig, hostConfig, err := buildContainer(r.config, r.command, req)
	if err != nil {
		return runnerError(req, err)
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return runnerError(req, fmt.Errorf("failed to create container: %w", err))
	}
	containerID := resp.ID

	// The container is removed even when ctx was cancelled mid-run.
	defer r.removeContainer(context.WithoutCancel(ctx), containerID)

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return runnerError(req, fmt.Errorf("failed to start container: %w", err))
	}

	r.logger.Info("Started experiment container",
		zap.String("container_id", shortID(containerID)),
		zap.String("prob_type", string(req.Problem)),
		zap.String("key", req.Param.Key()),
	)

	exitCode, err := r.wait(ctx, containerID)
	if err != nil {
		return runnerError(req, err)
	}
	if exitCode != 0 {
		logs, _ := r.containerLogs(context.WithoutCancel(ctx), containerID)
		return runnerError(req, fmt.Errorf("container exited with code %d\n%s", exitCode, tail(logs, outputTailSize)))
	}

	r.logger.Info("Experiment container finished",
		zap.String("container_id", shortID(containerID)),
		zap.String("key", req.Param.Key()),
	)
	return nil
}

func (r *DockerRunner) wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container: %w", err)
		}
		return -1, fmt.Errorf("container wait ended without status")
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return -1, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (r *DockerRunner) removeContainer(ctx context.Context, containerID string) {
	removeOptions := container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}

	if err := r.client.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		r.logger.Warn("Failed to remove container",
			zap.String("container_id", shortID(containerID)),
			zap.Error(err),
		)
		return
	}

	r.logger.Debug("Removed container",
		zap.String("container_id", shortID(containerID)),
	)
}

// containerLogs retrieves the demultiplexed logs of a container.
func (r *DockerRunner) containerLogs(ctx context.Context, containerID string) (string, error) {
	reader, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}

	var combined strings.Builder
	combined.WriteString(stdout.String())
	if stderr.Len() > 0 {
		combined.WriteString("\n=== STDERR ===\n")
		combined.WriteString(stderr.String())
	}
	return combined.String(), nil
}

// ensureImage pulls the solver image when it is not available locally.
func (r *DockerRunner) ensureImage(ctx context.Context) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, r.config.Image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to check image: %w", err)
	}

	r.logger.Info("Pulling solver image", zap.String("image", r.config.Image))

	reader, err := r.client.ImagePull(ctx, r.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull: %w", err)
	}
	return nil
}

// buildContainer assembles the container and host configuration of a run.
// Inside the container {results_dir} refers to the results mount.
func buildContainer(cfg *config.DockerConfig, command []string, req Request) (*container.Config, *container.HostConfig, error) {
	resources, err := parseResources(cfg.CPULimit, cfg.MemoryLimit)
	if err != nil {
		return nil, nil, err
	}

	hostDir := req.ResultsDir
	inContainer := req
	inContainer.ResultsDir = cfg.ResultsMount

	containerConfig := &container.Config{
		Image: cfg.Image,
		Cmd:   inContainer.Expand(command),
		Labels: map[string]string{
			labelParamKey: req.Param.Key(),
			labelProblem:  string(req.Problem),
			labelManaged:  "true",
		},
		Env: []string{
			"SPD_PROB_TYPE=" + string(req.Problem),
			"SPD_PARAM_KEY=" + req.Param.Key(),
		},
	}

	hostConfig := &container.HostConfig{
		Binds: []string{
			toAbsolutePath(hostDir) + ":" + cfg.ResultsMount + ":rw",
		},
		Resources:   resources,
		NetworkMode: container.NetworkMode(cfg.Network),
		AutoRemove:  false, // removed after the exit code is read
	}

	return containerConfig, hostConfig, nil
}

// parseResources converts "2.0" CPUs and "4g" memory into container limits.
func parseResources(cpuLimit, memoryLimit string) (container.Resources, error) {
	var res container.Resources

	if cpuLimit != "" {
		cpus, err := strconv.ParseFloat(cpuLimit, 64)
		if err != nil || cpus <= 0 {
			return res, fmt.Errorf("invalid cpu limit %q", cpuLimit)
		}
		res.NanoCPUs = int64(cpus * 1e9)
	}

	if memoryLimit != "" {
		mem, err := units.RAMInBytes(memoryLimit)
		if err != nil {
			return res, fmt.Errorf("invalid memory limit %q: %w", memoryLimit, err)
		}
		res.Memory = mem
	}

	return res, nil
}

// toAbsolutePath converts a relative path to an absolute one.
func toAbsolutePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ Runner = (*DockerRunner)(nil)
