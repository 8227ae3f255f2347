package orchestrator

import (
	"context"

	"github.com/iambrandonn/agentq/internal/monitor"
	"github.com/iambrandonn/agentq/internal/protocol"
)

// InstanceStats summarizes the live instance registry
type InstanceStats struct {
	Total      int                             `json:"total"`
	ByStatus   map[protocol.InstanceStatus]int `json:"by_status"`
	ByProvider map[string]int                  `json:"by_provider"`
	ByUser     map[string]int                  `json:"by_user"`
	Instances  []InstanceUsage                 `json:"instances"`
}

// InstanceUsage pairs an instance with its latest resource sample. Process
// is nil when the process could not be sampled.
type InstanceUsage struct {
	Instance *protocol.Instance    `json:"instance"`
	Process  *monitor.ProcessStats `json:"process,omitempty"`
}

// GetInstanceStats counts instances by status, provider and user and samples
// each process. Pass an empty userID for every user.
func (o *Orchestrator) GetInstanceStats(ctx context.Context, userID string) *InstanceStats {
	var list []*protocol.Instance
	if userID == "" {
		list = o.instances.List()
	} else {
		list = o.instances.ListByUser(userID)
	}
	return o.summarize(ctx, list)
}

// GetSharedInstanceStats is GetInstanceStats over the persisted instance
// records, so a client process sees the instances its server runs
func (o *Orchestrator) GetSharedInstanceStats(ctx context.Context, userID string) (*InstanceStats, error) {
	list, err := o.ListInstanceRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	return o.summarize(ctx, list), nil
}

func (o *Orchestrator) summarize(ctx context.Context, list []*protocol.Instance) *InstanceStats {
	stats := &InstanceStats{
		Total:      len(list),
		ByStatus:   make(map[protocol.InstanceStatus]int),
		ByProvider: make(map[string]int),
		ByUser:     make(map[string]int),
		Instances:  make([]InstanceUsage, 0, len(list)),
	}

	for _, inst := range list {
		stats.ByStatus[inst.Status]++
		stats.ByProvider[inst.Provider]++
		stats.ByUser[inst.UserID]++

		usage := InstanceUsage{Instance: inst}
		if inst.PID > 0 {
			ps, err := o.sampler.Sample(ctx, inst.PID)
			if err != nil {
				o.logger.Debug("process sample failed", "instance_id", inst.ID, "pid", inst.PID, "error", err)
			} else {
				usage.Process = ps
				o.rememberPID(inst.ID, inst.PID)
			}
		}
		stats.Instances = append(stats.Instances, usage)
	}

	return stats
}

func (o *Orchestrator) rememberPID(instanceID string, pid int) {
	o.pidMu.Lock()
	o.pids[instanceID] = pid
	o.pidMu.Unlock()
}

// forgetPID returns 0 when the instance was never sampled
func (o *Orchestrator) forgetPID(instanceID string) int {
	o.pidMu.Lock()
	defer o.pidMu.Unlock()
	pid := o.pids[instanceID]
	delete(o.pids, instanceID)
	return pid
}
