// Package nomad lists the allocations placed on this Nomad client node and
// maps them to log streams.
package nomad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/nomad/api"

	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

// Config points the provider at a Nomad agent.
type Config struct {
	Address    string
	Token      string
	Namespace  string
	NodeID     string
	AllocsDir  string
	MetaPrefix string
}

// ConfigFrom maps the nomad section of the agent config.
func ConfigFrom(c config.NomadConfig) Config {
	return Config{
		Address:    c.Address,
		Token:      c.Token,
		Namespace:  c.Namespace,
		NodeID:     c.NodeID,
		AllocsDir:  c.AllocsDir,
		MetaPrefix: c.MetaPrefix,
	}
}

// Provider implements core.AllocationLister against the Nomad HTTP API.
type Provider struct {
	client *api.Client
	cfg    Config
	nodeID string
	logger *slog.Logger
}

// New creates a provider. The node ID is resolved by ResolveNodeID.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		apiCfg.SecretID = cfg.Token
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	return &Provider{client: client, cfg: cfg, nodeID: cfg.NodeID, logger: logger}, nil
}

func (p *Provider) Name() string { return "nomad" }

// NodeID returns the node whose allocations are listed.
func (p *Provider) NodeID() string { return p.nodeID }

// ResolveNodeID fills in the node ID when it was not configured. When the
// agent itself runs as a Nomad job, NOMAD_ALLOC_ID identifies its own
// allocation and therefore its node.
func (p *Provider) ResolveNodeID(ctx context.Context) error {
	if p.nodeID != "" {
		return nil
	}
	allocID := os.Getenv("NOMAD_ALLOC_ID")
	if allocID == "" {
		return fmt.Errorf("%w: nomad.node_id is empty and NOMAD_ALLOC_ID is not set", core.ErrConfigInvalid)
	}
	q := (&api.QueryOptions{Namespace: os.Getenv("NOMAD_NAMESPACE")}).WithContext(ctx)
	alloc, _, err := p.client.Allocations().Info(allocID, q)
	if err != nil {
		return classify(fmt.Sprintf("allocation %s", allocID), err)
	}
	p.nodeID = alloc.NodeID
	p.logger.Info("resolved node id from allocation", "alloc", allocID, "node", p.nodeID)
	return nil
}

// ListAllocations returns the allocations placed on the node.
func (p *Provider) ListAllocations(ctx context.Context) ([]core.Allocation, error) {
	if p.nodeID == "" {
		return nil, fmt.Errorf("%w: node id not resolved", core.ErrConfigInvalid)
	}
	q := (&api.QueryOptions{}).WithContext(ctx)
	allocs, _, err := p.client.Nodes().Allocations(p.nodeID, q)
	if err != nil {
		return nil, classify(fmt.Sprintf("node %s allocations", p.nodeID), err)
	}

	out := make([]core.Allocation, 0, len(allocs))
	for _, a := range allocs {
		if a == nil {
			continue
		}
		if p.cfg.Namespace != "" && p.cfg.Namespace != "*" && a.Namespace != p.cfg.Namespace {
			continue
		}
		out = append(out, Convert(a, p.cfg.AllocsDir, p.cfg.MetaPrefix))
	}
	return out, nil
}

type statusCoder interface {
	StatusCode() int
}

func classify(what string, err error) error {
	var sc statusCoder
	if (errors.As(err, &sc) && sc.StatusCode() == 404) || strings.Contains(err.Error(), "response code: 404") {
		return fmt.Errorf("%s: %w: %w", what, core.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", what, core.ErrTransientIO, err)
}

// Convert maps a Nomad allocation to its log streams. Task meta keys under
// "<prefix>." control shipping: enabled=false skips the task,
// streams=stdout|stderr|both selects streams, other keys become labels.
func Convert(a *api.Allocation, allocsDir, prefix string) core.Allocation {
	alloc := core.Allocation{
		ID:        a.ID,
		Namespace: a.Namespace,
		JobID:     a.JobID,
		TaskGroup: a.TaskGroup,
		Name:      a.Name,
		NodeID:    a.NodeID,
		Status:    status(a.ClientStatus),
	}

	for _, task := range tasks(a) {
		meta := TaskMeta(task.Meta, prefix)
		if strings.EqualFold(meta["enabled"], "false") {
			continue
		}
		for _, stream := range streams(meta["streams"]) {
			labels := make(map[string]string, len(meta)+8)
			for k, v := range meta {
				if k == "enabled" || k == "streams" {
					continue
				}
				labels[k] = v
			}
			// Identity labels win over meta keys of the same name.
			labels[core.LabelNamespace] = a.Namespace
			labels[core.LabelJob] = a.JobID
			labels[core.LabelTaskGroup] = a.TaskGroup
			labels[core.LabelTask] = task.Name
			labels[core.LabelAllocID] = a.ID
			labels[core.LabelAllocName] = a.Name
			labels[core.LabelNodeID] = a.NodeID
			labels[core.LabelStream] = stream
			alloc.Streams = append(alloc.Streams, core.LogStream{
				Task:   task.Name,
				Stream: stream,
				Path:   LogPath(allocsDir, a.ID, task.Name, stream),
				Labels: labels,
			})
		}
	}
	return alloc
}

// LogPath is the rotation base Nomad writes a task stream to.
func LogPath(allocsDir, allocID, task, stream string) string {
	return filepath.Join(allocsDir, allocID, "alloc", "logs", task+"."+stream)
}

// TaskMeta returns the meta keys under "<prefix>." with the prefix stripped.
func TaskMeta(meta map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	p := prefix + "."
	for k, v := range meta {
		if strings.HasPrefix(k, p) && len(k) > len(p) {
			out[strings.TrimPrefix(k, p)] = v
		}
	}
	return out
}

type task struct {
	Name string
	Meta map[string]string
}

// tasks returns the tasks of the allocation's group with group meta merged
// under task meta. Without a job spec the task state names are used.
func tasks(a *api.Allocation) []task {
	var out []task
	if a.Job != nil {
		for _, group := range a.Job.TaskGroups {
			if group == nil || group.Name == nil || *group.Name != a.TaskGroup {
				continue
			}
			for _, t := range group.Tasks {
				if t == nil {
					continue
				}
				meta := make(map[string]string, len(group.Meta)+len(t.Meta))
				for k, v := range group.Meta {
					meta[k] = v
				}
				for k, v := range t.Meta {
					meta[k] = v
				}
				out = append(out, task{Name: t.Name, Meta: meta})
			}
		}
	}
	if len(out) == 0 {
		for name := range a.TaskStates {
			out = append(out, task{Name: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func streams(v string) []string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "stdout":
		return []string{"stdout"}
	case "stderr":
		return []string{"stderr"}
	}
	return []string{"stdout", "stderr"}
}

func status(s string) core.AllocStatus {
	switch s {
	case api.AllocClientStatusPending:
		return core.AllocPending
	case api.AllocClientStatusRunning:
		return core.AllocRunning
	case api.AllocClientStatusComplete:
		return core.AllocComplete
	case api.AllocClientStatusFailed:
		return core.AllocFailed
	case api.AllocClientStatusLost:
		return core.AllocLost
	}
	return core.AllocUnknown
}
