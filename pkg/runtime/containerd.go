package runtime

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/nodeagent/pkg/log"
	"github.com/cuemby/nodeagent/pkg/metrics"
	"github.com/cuemby/nodeagent/pkg/supervisor"
	"github.com/cuemby/nodeagent/pkg/types"
)

const stopGracePeriod = 10 * time.Second

var ipAddrPattern = regexp.MustCompile(`inet (\S+)`)

// ContainerdSupervisor supervises one job's container via containerd. It
// implements supervisor.Supervisor. Start/Stop are fire-and-forget: they
// launch a goroutine against the containerd client and return immediately,
// leaving Status() to report progress — mirroring the teacher's
// executeContainer/stopContainer running off the worker's container
// executor loop rather than blocking the caller.
type ContainerdSupervisor struct {
	client    *containerd.Client
	namespace string
	publisher *HostPortPublisher

	id    types.JobId
	job   types.Job
	ports map[string]int

	mu          sync.Mutex
	status      types.SupervisorStatus
	containerID string
	published   bool
}

// NewContainerdSupervisor constructs a Supervisor for one committed
// execution. It does not touch containerd until Start is called.
func NewContainerdSupervisor(client *containerd.Client, namespace string, publisher *HostPortPublisher, id types.JobId, job types.Job, ports map[string]int) *ContainerdSupervisor {
	return &ContainerdSupervisor{
		client:    client,
		namespace: namespace,
		publisher: publisher,
		id:        id,
		job:       job,
		ports:     ports,
		status:    types.SupervisorStatus{ObservedState: types.StateCreating},
	}
}

// NewContainerdFactory returns a supervisor.Factory that builds
// ContainerdSupervisors sharing one containerd client, namespace, and
// host-port publisher.
func NewContainerdFactory(client *containerd.Client, namespace string, publisher *HostPortPublisher) supervisor.Factory {
	return supervisor.FactoryFunc(func(id types.JobId, job types.Job, ports map[string]int) (supervisor.Supervisor, error) {
		return NewContainerdSupervisor(client, namespace, publisher, id, job, ports), nil
	})
}

func (s *ContainerdSupervisor) ctx() context.Context {
	return namespaces.WithNamespace(context.Background(), s.namespace)
}

// Status returns the last snapshot recorded by the background Start/Stop
// goroutines. Safe to call concurrently with Start/Stop.
func (s *ContainerdSupervisor) Status() types.SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *ContainerdSupervisor) setStatus(fn func(*types.SupervisorStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

// Start creates (if needed) and starts the container, then publishes its
// host ports. Idempotent: calling Start while already starting or running
// is a no-op.
func (s *ContainerdSupervisor) Start() error {
	s.mu.Lock()
	if s.status.IsStarting || s.status.ObservedState == types.StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.status.IsStarting = true
	s.status.IsStopping = false
	s.status.IsDone = false
	s.mu.Unlock()

	go s.runStart()
	return nil
}

func (s *ContainerdSupervisor) runStart() {
	timer := metrics.NewTimer()
	logger := log.WithJobID(s.id.String())

	ctx := s.ctx()
	cont, err := s.ensureContainer(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("create container failed")
		s.setStatus(func(st *types.SupervisorStatus) {
			st.IsStarting = false
			st.ObservedState = types.StateFailed
		})
		metrics.ContainerStartFailures.Inc()
		return
	}

	task, existed := s.existingTask(ctx, cont)
	if !existed {
		var err error
		task, err = cont.NewTask(ctx, cio.NullIO)
		if err != nil {
			logger.Error().Err(err).Msg("create task failed")
			s.setStatus(func(st *types.SupervisorStatus) {
				st.IsStarting = false
				st.ObservedState = types.StateFailed
			})
			metrics.ContainerStartFailures.Inc()
			return
		}
		if err := task.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("start task failed")
			s.setStatus(func(st *types.SupervisorStatus) {
				st.IsStarting = false
				st.ObservedState = types.StateFailed
			})
			metrics.ContainerStartFailures.Inc()
			return
		}
	}

	s.mu.Lock()
	s.containerID = cont.ID()
	s.mu.Unlock()

	if s.publisher != nil && len(s.ports) > 0 && !s.alreadyPublished() {
		ip, err := containerIP(ctx, task)
		if err != nil {
			logger.Error().Err(err).Msg("resolve container ip failed")
		} else if err := s.publisher.PublishPorts(s.id.String(), ip, s.job, s.ports); err != nil {
			logger.Error().Err(err).Msg("publish ports failed")
		} else {
			s.mu.Lock()
			s.published = true
			s.mu.Unlock()
		}
	}

	s.setStatus(func(st *types.SupervisorStatus) {
		st.IsStarting = false
		st.ObservedState = types.StateRunning
	})
	timer.ObserveDuration(metrics.ContainerStartDuration)
}

func (s *ContainerdSupervisor) alreadyPublished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

func (s *ContainerdSupervisor) ensureContainer(ctx context.Context) (containerd.Container, error) {
	if cont, err := s.client.LoadContainer(ctx, s.containerDomID()); err == nil {
		return cont, nil
	}

	image, err := s.client.GetImage(ctx, s.job.Image)
	if err != nil {
		image, err = s.client.Pull(ctx, s.job.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("pull image %s: %w", s.job.Image, err)
		}
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		withNonInteractiveProcess,
	}
	if len(s.job.Command) > 0 {
		specOpts = append(specOpts, oci.WithProcessArgs(s.job.Command...))
	}

	cont, err := s.client.NewContainer(
		ctx,
		s.containerDomID(),
		containerd.WithImage(image),
		containerd.WithNewSnapshot(s.containerDomID()+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("new container: %w", err)
	}
	return cont, nil
}

func (s *ContainerdSupervisor) existingTask(ctx context.Context, cont containerd.Container) (containerd.Task, bool) {
	task, err := cont.Task(ctx, cio.NullIO)
	if err != nil {
		return nil, false
	}
	return task, true
}

func (s *ContainerdSupervisor) containerDomID() string {
	return "nodeagent-" + s.id.Hash
}

// withNonInteractiveProcess forces no TTY allocation; jobs are daemons,
// never interactive shells.
func withNonInteractiveProcess(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
	if s.Process != nil {
		s.Process.Terminal = false
	}
	return nil
}

// containerIP resolves task's network namespace address by entering it
// with nsenter and reading eth0, the way the teacher's runtime package
// does for its own host-port publishing.
func containerIP(ctx context.Context, task containerd.Task) (string, error) {
	pid := task.Pid()
	out, err := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("nsenter: %w (output: %s)", err, string(out))
	}

	matches := ipAddrPattern.FindSubmatch(out)
	if matches == nil {
		return "", fmt.Errorf("no ipv4 address found on eth0")
	}
	ip, _, err := net.ParseCIDR(string(matches[1]))
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	return ip.String(), nil
}

// Stop sends the container a graceful SIGTERM, escalating to SIGKILL after
// stopGracePeriod. Host port bindings are left in place — only Close
// releases them (spec §4.3).
func (s *ContainerdSupervisor) Stop() error {
	s.mu.Lock()
	if s.status.IsStopping || s.status.IsDone {
		s.mu.Unlock()
		return nil
	}
	s.status.IsStopping = true
	s.status.IsStarting = false
	s.mu.Unlock()

	go s.runStop()
	return nil
}

func (s *ContainerdSupervisor) runStop() {
	logger := log.WithJobID(s.id.String())
	ctx := s.ctx()

	cont, err := s.client.LoadContainer(ctx, s.containerDomID())
	if err != nil {
		if errdefs.IsNotFound(err) {
			s.markStopped(types.StateStopped)
			return
		}
		logger.Error().Err(err).Msg("load container for stop failed")
		s.markStopped(types.StateFailed)
		return
	}

	task, err := cont.Task(ctx, cio.NullIO)
	if err != nil {
		s.markStopped(types.StateStopped)
		return
	}

	exitCh, err := task.Wait(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("wait on task failed")
	}

	if err := task.Kill(ctx, 15 /* SIGTERM */); err != nil {
		logger.Warn().Err(err).Msg("sigterm failed")
	}

	select {
	case <-exitCh:
	case <-time.After(stopGracePeriod):
		logger.Warn().Msg("grace period exceeded, sending sigkill")
		_ = task.Kill(ctx, 9 /* SIGKILL */)
		<-exitCh
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn().Err(err).Msg("delete task failed")
	}

	s.markStopped(types.StateStopped)
}

func (s *ContainerdSupervisor) markStopped(state types.ObservedState) {
	s.setStatus(func(st *types.SupervisorStatus) {
		st.IsStopping = false
		st.IsDone = true
		st.ObservedState = state
	})
}

// Close releases local tracking for this container without stopping it:
// unpublishes host ports and drops the containerd container record. The
// Reconciler calls it once an UNDEPLOY row has observed IsDone, when the
// container is already stopped; Agent.Stop also calls it on shutdown,
// when the container may still be running. containerd refuses to delete
// a container that still has a task, in which case Close returns that
// error and the container is left in place.
func (s *ContainerdSupervisor) Close() error {
	s.mu.Lock()
	published := s.published
	s.mu.Unlock()

	if published && s.publisher != nil {
		if err := s.publisher.UnpublishPorts(s.id.String()); err != nil {
			log.WithJobID(s.id.String()).Warn().Err(err).Msg("unpublish ports failed")
		}
	}

	ctx := s.ctx()
	cont, err := s.client.LoadContainer(ctx, s.containerDomID())
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load container for close: %w", err)
	}
	if err := cont.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}
