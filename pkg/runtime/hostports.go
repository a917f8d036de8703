package runtime

import (
	"fmt"
	"os/exec"

	"github.com/cuemby/nodeagent/pkg/types"
)

// HostPortPublisher forwards host ports to a container's network
// namespace via iptables DNAT, mirroring the teacher's host-mode port
// publishing. One instance is shared by every ContainerdSupervisor on
// the node, keyed by job ID.
type HostPortPublisher struct {
	published map[string]publishedSet // jobID -> rules in effect
}

type publishedSet struct {
	containerIP string
	ports       map[string]types.PortSpec // name -> {containerPort, externalPort}
}

// NewHostPortPublisher returns an empty HostPortPublisher.
func NewHostPortPublisher() *HostPortPublisher {
	return &HostPortPublisher{published: make(map[string]publishedSet)}
}

// PublishPorts sets up DNAT/MASQUERADE/FORWARD rules for every assigned
// port of job, routing host:externalPort to containerIP:containerPort.
// Called from Start; on partial failure it unwinds the rules it already
// added so a failed publish never leaks iptables state.
func (p *HostPortPublisher) PublishPorts(jobID, containerIP string, job types.Job, assigned map[string]int) error {
	if len(assigned) == 0 {
		return nil
	}

	done := make(map[string]types.PortSpec, len(assigned))
	for name, external := range assigned {
		spec, ok := job.Ports[name]
		if !ok {
			continue
		}
		spec.ExternalPort = external
		if err := setupPortForwarding(containerIP, spec); err != nil {
			p.unwind(containerIP, done)
			return fmt.Errorf("publish port %s: %w", name, err)
		}
		done[name] = spec
	}

	p.published[jobID] = publishedSet{containerIP: containerIP, ports: done}
	return nil
}

// UnpublishPorts removes the rules previously installed for jobID.
func (p *HostPortPublisher) UnpublishPorts(jobID string) error {
	set, ok := p.published[jobID]
	if !ok {
		return nil
	}
	delete(p.published, jobID)
	p.unwind(set.containerIP, set.ports)
	return nil
}

func (p *HostPortPublisher) unwind(containerIP string, ports map[string]types.PortSpec) {
	for _, spec := range ports {
		removePortForwarding(containerIP, spec)
	}
}

func setupPortForwarding(containerIP string, port types.PortSpec) error {
	dnat := []string{
		"-t", "nat", "-A", "PREROUTING",
		"-p", "tcp", "--dport", fmt.Sprintf("%d", port.ExternalPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", containerIP, port.ContainerPort),
	}
	if err := runIPTables(dnat); err != nil {
		return fmt.Errorf("dnat rule: %w", err)
	}

	masq := []string{
		"-t", "nat", "-A", "POSTROUTING",
		"-p", "tcp", "-d", containerIP, "--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "MASQUERADE",
	}
	if err := runIPTables(masq); err != nil {
		removePortForwarding(containerIP, port)
		return fmt.Errorf("masquerade rule: %w", err)
	}

	forward := []string{
		"-A", "FORWARD",
		"-p", "tcp", "-d", containerIP, "--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "ACCEPT",
	}
	if err := runIPTables(forward); err != nil {
		removePortForwarding(containerIP, port)
		return fmt.Errorf("forward rule: %w", err)
	}
	return nil
}

func removePortForwarding(containerIP string, port types.PortSpec) {
	runIPTables([]string{
		"-t", "nat", "-D", "PREROUTING",
		"-p", "tcp", "--dport", fmt.Sprintf("%d", port.ExternalPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", containerIP, port.ContainerPort),
	})
	runIPTables([]string{
		"-t", "nat", "-D", "POSTROUTING",
		"-p", "tcp", "-d", containerIP, "--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "MASQUERADE",
	})
	runIPTables([]string{
		"-D", "FORWARD",
		"-p", "tcp", "-d", containerIP, "--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "ACCEPT",
	})
}

func runIPTables(args []string) error {
	out, err := exec.Command("iptables", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %v: %w (output: %s)", args, err, string(out))
	}
	return nil
}
