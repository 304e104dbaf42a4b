package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"tangram.dev/tangram/pkg/object"
)

// tangramNamespace is the containerd namespace every sandboxed process
// runs under.
const tangramNamespace = "tangram"

// defaultSocketPath is the default containerd socket, used when a
// server doesn't override it via configuration.
const defaultSocketPath = "/run/containerd/containerd.sock"

// Outcome is what a sandbox run produced: its exit code and the raw
// bytes read off its stdout/stderr pipes (§4.6: "relay stdin/stdout/
// stderr through pipes ... tracked by handle tables").
type Outcome struct {
	Exit   int
	Stdout []byte
	Stderr []byte
}

// Sandbox launches a Command to completion. The sandbox process
// launcher is an external collaborator the runtime only talks to
// through this boundary, so tests can substitute a fake without a real
// containerd daemon.
type Sandbox interface {
	Run(ctx context.Context, cmd object.Command, stdin []byte) (Outcome, error)
}

// ContainerdSandbox launches commands as containerd tasks.
type ContainerdSandbox struct {
	client *containerd.Client
}

// NewContainerdSandbox dials the containerd socket once at startup.
func NewContainerdSandbox(socketPath string) (*ContainerdSandbox, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd: %w", err)
	}
	return &ContainerdSandbox{client: client}, nil
}

// Close releases the containerd client connection.
func (s *ContainerdSandbox) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Run launches cmd in an ephemeral container, relays stdin, and blocks
// until the task exits, returning its exit code and captured output.
func (s *ContainerdSandbox) Run(ctx context.Context, cmd object.Command, stdin []byte) (Outcome, error) {
	ctx = namespaces.WithNamespace(ctx, tangramNamespace)

	image, err := s.client.GetImage(ctx, cmd.Host)
	if err != nil {
		image, err = s.client.Pull(ctx, cmd.Host, containerd.WithPullUnpack)
		if err != nil {
			return Outcome{}, fmt.Errorf("resolving sandbox image %s: %w", cmd.Host, err)
		}
	}

	args := make([]string, 0, len(cmd.Args)+1)
	args = append(args, cmd.Executable)
	for _, a := range cmd.Args {
		args = append(args, a.String())
	}

	env := make([]string, 0, len(cmd.Env))
	for k, v := range cmd.Env {
		env = append(env, k+"="+v.String())
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(args...),
		oci.WithEnv(env),
	}
	if cmd.Cwd != nil {
		opts = append(opts, oci.WithProcessCwd(*cmd.Cwd))
	}
	if len(cmd.Mounts) > 0 {
		mounts := make([]specs.Mount, len(cmd.Mounts))
		for i, m := range cmd.Mounts {
			options := []string{"bind"}
			if m.Readonly {
				options = append(options, "ro")
			}
			mounts[i] = specs.Mount{Source: m.Source, Destination: m.Target, Type: "bind", Options: options}
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	containerID := fmt.Sprintf("tangram-%d", time.Now().UnixNano())
	container, err := s.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("creating container: %w", err)
	}
	defer container.Delete(ctx, containerd.WithSnapshotCleanup)

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(
		cio.WithStreams(bytes.NewReader(stdin), io.Writer(&stdout), io.Writer(&stderr)),
	))
	if err != nil {
		return Outcome{}, fmt.Errorf("creating task: %w", err)
	}
	defer task.Delete(ctx)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("waiting on task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return Outcome{}, fmt.Errorf("starting task: %w", err)
	}

	select {
	case status := <-statusC:
		return Outcome{Exit: int(status.ExitCode()), Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, status.Error()
	case <-ctx.Done():
		_ = task.Kill(context.Background(), syscall.SIGKILL)
		<-statusC
		return Outcome{}, ctx.Err()
	}
}
