package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/nodeagent/pkg/types"
)

// taskFile is the on-disk shape of a desired-state file: a flat list of
// jobs and their goal, the standalone-mode equivalent of what a real
// master would push over the network (out of scope here, spec.md §1).
type taskFile struct {
	Tasks []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	Name    string           `yaml:"name"`
	Version string           `yaml:"version"`
	Image   string           `yaml:"image"`
	Command []string         `yaml:"command,omitempty"`
	Goal    string           `yaml:"goal"`
	Ports   map[string]yport `yaml:"ports,omitempty"`
}

type yport struct {
	ContainerPort int `yaml:"container_port"`
	ExternalPort  int `yaml:"external_port,omitempty"`
}

func loadTasks(path string) (map[types.JobId]types.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse tasks file: %w", err)
	}

	out := make(map[types.JobId]types.Task, len(tf.Tasks))
	for _, e := range tf.Tasks {
		goal, err := parseGoal(e.Goal)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", e.Name, err)
		}

		ports := make(map[string]types.PortSpec, len(e.Ports))
		for name, p := range e.Ports {
			ports[name] = types.PortSpec{ContainerPort: p.ContainerPort, ExternalPort: p.ExternalPort}
		}

		id := types.NewJobID(e.Name, e.Version, e.Image)
		out[id] = types.Task{
			Job: types.Job{
				ID:      id,
				Image:   e.Image,
				Command: e.Command,
				Ports:   ports,
			},
			Goal: goal,
		}
	}
	return out, nil
}

func parseGoal(s string) (types.Goal, error) {
	switch s {
	case "", "START":
		return types.GoalStart, nil
	case "STOP":
		return types.GoalStop, nil
	case "UNDEPLOY":
		return types.GoalUndeploy, nil
	default:
		return "", fmt.Errorf("unknown goal %q", s)
	}
}
