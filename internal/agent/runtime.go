package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// DeploySpec is everything the runtime needs to start one application
// container.
type DeploySpec struct {
	Name  string
	Image string
	Env   map[string]string
	Ports []int
}

// ContainerInfo is one locally running (or exited) container.
type ContainerInfo struct {
	ContainerID string
	Name        string
	Image       string
	State       string
	Status      string
}

// Runtime abstracts the container engine so task handling can be tested
// without Docker.
type Runtime interface {
	Deploy(ctx context.Context, spec DeploySpec) (string, error)
	Stop(ctx context.Context, containerID string) error
	Start(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	RemoveByName(ctx context.Context, name string) error
	List(ctx context.Context) ([]ContainerInfo, error)
	Logs(ctx context.Context, containerID string, sink func(line string)) error
}

// DockerRuntime drives containers through the docker CLI.
type DockerRuntime struct {
	bin    string
	logger zerolog.Logger
}

func NewDockerRuntime(bin string, logger zerolog.Logger) *DockerRuntime {
	return &DockerRuntime{bin: bin, logger: logger.With().Str("component", "docker").Logger()}
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("docker %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Deploy replaces any container of the same name, then starts the new one.
// Running it twice for the same spec converges on the same result.
func (d *DockerRuntime) Deploy(ctx context.Context, spec DeploySpec) (string, error) {
	if err := d.RemoveByName(ctx, spec.Name); err != nil {
		return "", err
	}

	args := []string{"run", "-d", "--name", spec.Name, "--restart", "unless-stopped"}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p, p))
	}
	args = append(args, spec.Image)

	containerID, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	d.logger.Info().Str("name", spec.Name).Str("container", containerID).Msg("container started")
	return containerID, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "stop", containerID)
	return err
}

func (d *DockerRuntime) Start(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "start", containerID)
	return err
}

func (d *DockerRuntime) Restart(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "restart", containerID)
	return err
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "rm", "-f", containerID)
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

// RemoveByName force-removes a container by its name. A missing container
// is not an error.
func (d *DockerRuntime) RemoveByName(ctx context.Context, name string) error {
	return d.Remove(ctx, name)
}

func (d *DockerRuntime) List(ctx context.Context) ([]ContainerInfo, error) {
	out, err := d.run(ctx, "ps", "-a", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}

	var containers []ContainerInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row struct {
			ID     string `json:"ID"`
			Names  string `json:"Names"`
			Image  string `json:"Image"`
			State  string `json:"State"`
			Status string `json:"Status"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parse docker ps output: %w", err)
		}
		containers = append(containers, ContainerInfo{
			ContainerID: row.ID,
			Name:        row.Names,
			Image:       row.Image,
			State:       row.State,
			Status:      row.Status,
		})
	}
	return containers, nil
}

// Logs feeds the container's recent output line by line into sink.
func (d *DockerRuntime) Logs(ctx context.Context, containerID string, sink func(line string)) error {
	cmd := exec.CommandContext(ctx, d.bin, "logs", "--tail", "500", containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("docker logs: %s", msg)
	}
	return scanner.Err()
}
