// Package dockerbridge runs an MCP server inside a docker container and exposes the
// container's stdio as a newline-delimited transport.
package dockerbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mcpwire/transport"
)

var ErrNoContainer = errors.New("container definition needs an id, a container name or an image")

// ContainerDefinition selects the container hosting a server. ID wins over
// ContainerName, which wins over ImageName.
type ContainerDefinition struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`
	// Env entries are either NAME, copied from the host environment when set, or
	// NAME=value.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`
	// used if the container must be created
	ImageName string `yaml:"image,omitempty" json:"image_name,omitempty"`
	// defaults to a name derived from ImageName
	ContainerName string `yaml:"container,omitempty" json:"container_name,omitempty"`
}

type bridge struct {
	def    ContainerDefinition
	cli    *client.Client
	tracer trace.Tracer
	log    zerolog.Logger
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Setup finds or creates the container, attaches to its stdio and returns a stream
// transport over it. The channel yields once when the container's output ends.
// Stopping the transport detaches and closes the docker client.
// TODO: watch container die events so the hub can reconnect instead of waiting on EOF.
func Setup(ctx context.Context, def ContainerDefinition, tp trace.TracerProvider, log zerolog.Logger) (*transport.Stream, <-chan error, error) {
	tracer := tp.Tracer("mcpwire/dockerbridge")
	ctx, span := tracer.Start(ctx, "dockerbridge.Setup")
	defer span.End()

	cli, err := client.NewClientWithOpts(client.FromEnv,
		client.WithAPIVersionNegotiation(),
		client.WithTraceProvider(tp))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("docker client could not be created: %w", err)
	}

	b := &bridge{def: def, cli: cli, tracer: tracer, log: log.With().Str("component", "dockerbridge").Logger()}
	id, err := b.getOrCreateContainer(ctx)
	if err != nil {
		cli.Close()
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("container_id", id))

	attached, err := cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		cli.Close()
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("attach to container %s: %w", id, err)
	}

	// Without a tty docker multiplexes stdout and stderr onto one stream.
	stdout, pipe := io.Pipe()
	stderr := b.log.With().Str("stream", "stderr").Str("container_id", id).Logger()
	exited := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(pipe, stderr, attached.Reader)
		pipe.CloseWithError(err)
		exited <- err
	}()

	closer := closerFunc(func() error {
		attached.Close()
		stdout.Close()
		return cli.Close()
	})
	stream := transport.NewStream(stdout, attached.Conn,
		transport.WithStreamLogger(b.log),
		transport.WithCloser(closer))

	b.log.Info().Str("container_id", id).Msg("attached to container")
	return stream, exited, nil
}

func (b *bridge) getOrCreateContainer(ctx context.Context) (string, error) {
	ctx, span := b.tracer.Start(ctx, "dockerbridge.getOrCreateContainer")
	defer span.End()

	var (
		id        string
		name      string
		isRunning bool
		err       error
	)
	switch {
	case b.def.ID != "":
		id, isRunning, err = b.getContainer(ctx, filters.KeyValuePair{Key: "id", Value: b.def.ID})
		name = b.def.ID
		if err == nil && id == "" {
			err = fmt.Errorf("no container with id %s", b.def.ID)
		}
	case b.def.ContainerName != "":
		name = b.def.ContainerName
		id, isRunning, err = b.getContainer(ctx, filters.KeyValuePair{Key: "name", Value: name})
		if err == nil && id == "" && b.def.ImageName != "" {
			id, err = b.createContainer(ctx, b.def.ImageName, name)
		} else if err == nil && id == "" {
			err = fmt.Errorf("no container named %s", name)
		}
	case b.def.ImageName != "":
		name = formatContainerName(b.def.ImageName)
		id, isRunning, err = b.getContainer(ctx, filters.KeyValuePair{Key: "name", Value: name})
		if err == nil && id == "" {
			id, err = b.createContainer(ctx, b.def.ImageName, name)
		}
	default:
		return "", ErrNoContainer
	}
	if err != nil {
		return "", err
	}

	if isRunning {
		span.AddEvent("running container found", trace.WithAttributes(attribute.String("container_id", id)))
		return id, nil
	}
	if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", name, err)
	}
	span.AddEvent("container started", trace.WithAttributes(
		attribute.String("container_name", name),
		attribute.String("container_id", id)))
	return id, nil
}

// getContainer returns the first container matching the filter, stopped ones included,
// or an empty id.
func (b *bridge) getContainer(ctx context.Context, args filters.KeyValuePair) (string, bool, error) {
	ctx, span := b.tracer.Start(ctx, "dockerbridge.getContainer")
	defer span.End()

	containers, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(args),
	})
	if err != nil {
		return "", false, fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", false, nil
	}
	if len(containers) > 1 {
		span.AddEvent(fmt.Sprintf("multiple containers found: %d, using first", len(containers)))
	}

	found := containers[0]
	span.AddEvent("container located", trace.WithAttributes(
		attribute.String("container_id", found.ID),
		attribute.String("image", found.Image)))
	return found.ID, found.State == "running", nil
}

func (b *bridge) createContainer(ctx context.Context, imageName, name string) (string, error) {
	ctx, span := b.tracer.Start(ctx, "dockerbridge.createContainer")
	defer span.End()

	images, err := b.getImages(ctx, imageName)
	if err != nil {
		return "", err
	}
	if len(images) == 0 {
		return "", fmt.Errorf("no images found with the provided name: %s", imageName)
	}
	span.SetAttributes(attribute.Int("image_count", len(images)))

	resp, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        imageName,
			Env:          environment(b.def.Env, os.LookupEnv),
			AttachStdin:  true,
			OpenStdin:    true,
			StdinOnce:    false,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          false,
		},
		&container.HostConfig{
			AutoRemove: true,
		},
		nil,
		nil,
		name,
	)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	for _, warning := range resp.Warnings {
		b.log.Warn().Str("container", name).Msg(warning)
	}
	return resp.ID, nil
}

// getImages lists local images matching imageName and pulls the image when none is
// present, so the daemon acts as a cache.
func (b *bridge) getImages(ctx context.Context, imageName string) ([]image.Summary, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("reference", imageName)

	images, err := b.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("could not list docker images: %w", err)
	}
	if len(images) > 0 {
		return images, nil
	}

	ctx, span := b.tracer.Start(ctx, "dockerbridge.pullImage")
	defer span.End()
	b.log.Info().Str("image", imageName).Msg("image not found locally, pulling")

	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %q: %w", imageName, err)
	}
	progress := b.log.With().Str("image", imageName).Logger()
	_, err = io.Copy(progress, reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %q: %w", imageName, err)
	}

	return b.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// formatContainerName derives a valid container name from an image reference.
func formatContainerName(imageName string) string {
	return invalidNameChars.ReplaceAllString("mcp-"+imageName, ".")
}

func environment(entries []string, lookup func(string) (string, bool)) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(entry, "=") {
			out = append(out, entry)
			continue
		}
		if value, ok := lookup(entry); ok && value != "" {
			out = append(out, entry+"="+value)
		}
	}
	return out
}
