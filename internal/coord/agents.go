package coord

import (
	"context"
	"errors"
	"fmt"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/names"
)

// AgentSpec describes an agent registration. An empty Name gets a generated
// one that is not yet used in the project.
type AgentSpec struct {
	Name            string
	Program         string
	Model           string
	TaskDescription string
}

// RegisterAgent records agent_registered and returns the projected agent.
// Registering an existing name refreshes its metadata.
func (c *Coordinator) RegisterAgent(ctx context.Context, spec AgentSpec) (core.Agent, error) {
	name := spec.Name
	if name == "" {
		existing, err := c.read.Agents(ctx, c.project)
		if err != nil {
			return core.Agent{}, err
		}
		taken := make(map[string]bool, len(existing))
		for _, a := range existing {
			taken[a.Name] = true
		}
		name = names.Unique(func(n string) bool { return taken[n] })
	}
	if !names.Valid(name) {
		return core.Agent{}, &core.ValidationError{Type: core.EventAgentRegistered, Field: "name", Reason: fmt.Sprintf("invalid agent name %q", name)}
	}
	_, err := c.Append(ctx, &core.AgentRegistered{
		Name:            name,
		Program:         spec.Program,
		Model:           spec.Model,
		TaskDescription: spec.TaskDescription,
	})
	if err != nil {
		return core.Agent{}, err
	}
	c.log.Info("agent registered", "agent", name, "program", spec.Program)
	return c.read.Agent(ctx, c.project, name)
}

// Touch records agent_active, creating a bare agent row if needed.
func (c *Coordinator) Touch(ctx context.Context, name string) error {
	_, err := c.Append(ctx, &core.AgentActive{Name: name})
	return err
}

func (c *Coordinator) Agents(ctx context.Context) ([]core.Agent, error) {
	return c.read.Agents(ctx, c.project)
}

func (c *Coordinator) Agent(ctx context.Context, name string) (core.Agent, error) {
	return c.read.Agent(ctx, c.project, name)
}

// RecordTaskStarted and the other task recorders append task lifecycle
// events. They bump the agent's last_active_at when the agent is known.
func (c *Coordinator) RecordTaskStarted(ctx context.Context, agent, taskID, description string) error {
	return c.appendOnly(ctx, &core.TaskStarted{Agent: agent, TaskID: taskID, Description: description})
}

func (c *Coordinator) RecordTaskProgress(ctx context.Context, agent, taskID string, percent int, note string) error {
	return c.appendOnly(ctx, &core.TaskProgress{Agent: agent, TaskID: taskID, Percent: percent, Note: note})
}

func (c *Coordinator) RecordTaskCompleted(ctx context.Context, agent, taskID, summary string) error {
	return c.appendOnly(ctx, &core.TaskCompleted{Agent: agent, TaskID: taskID, Summary: summary})
}

func (c *Coordinator) RecordTaskBlocked(ctx context.Context, agent, taskID, reason string) error {
	return c.appendOnly(ctx, &core.TaskBlocked{Agent: agent, TaskID: taskID, Reason: reason})
}

func (c *Coordinator) appendOnly(ctx context.Context, p core.Payload) error {
	_, err := c.Append(ctx, p)
	return err
}

// IsNotFound reports whether err means a projected row does not exist.
func IsNotFound(err error) bool { return errors.Is(err, core.ErrNotFound) }
