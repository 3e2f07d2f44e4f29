package cluster

import (
	"fmt"
	"sort"
	"time"

	"shardkeeper/pkg/metadata"
)

// HealthStatus orders from worst to best so statuses compare with <.
type HealthStatus uint8

const (
	HealthRed HealthStatus = iota
	HealthYellow
	HealthGreen
)

func (s HealthStatus) String() string {
	switch s {
	case HealthGreen:
		return "green"
	case HealthYellow:
		return "yellow"
	default:
		return "red"
	}
}

func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthRequest asks to wait until every index reaches at least WaitForStatus.
type HealthRequest struct {
	Indices       []string
	WaitForStatus HealthStatus
	Timeout       time.Duration
}

type IndexHealth struct {
	Index           string       `json:"index"`
	Status          HealthStatus `json:"status"`
	ActivePrimaries int          `json:"active_primaries"`
	ActiveShards    int          `json:"active_shards"`
	Shards          int          `json:"shards"`
}

type HealthResponse struct {
	TimedOut           bool                   `json:"timed_out"`
	Status             HealthStatus           `json:"status"`
	Indices            map[string]IndexHealth `json:"indices"`
	ValidationFailures []string               `json:"validation_failures,omitempty"`
}

// Unavailable lists, sorted, the indices below want.
func (r HealthResponse) Unavailable(want HealthStatus) []string {
	var out []string
	for name, h := range r.Indices {
		if h.Status < want {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// EvaluateHealth computes the health of indices in state. A primary counts
// only when started or relocating; an index that does not exist is red and
// reported as a validation failure.
func EvaluateHealth(state *metadata.ClusterState, indices []string) HealthResponse {
	resp := HealthResponse{
		Status:  HealthGreen,
		Indices: make(map[string]IndexHealth, len(indices)),
	}

	for _, name := range indices {
		meta, ok := state.Index(name)
		if !ok {
			resp.Indices[name] = IndexHealth{Index: name, Status: HealthRed}
			resp.ValidationFailures = append(resp.ValidationFailures, fmt.Sprintf("index [%s] missing", name))
			resp.Status = HealthRed
			continue
		}

		h := indexHealth(meta, state.IndexRouting(name))
		resp.Indices[name] = h
		if h.Status < resp.Status {
			resp.Status = h.Status
		}
	}

	return resp
}

func indexHealth(meta metadata.IndexMetadata, routing []metadata.ShardRouting) IndexHealth {
	h := IndexHealth{
		Index:  meta.Name,
		Shards: meta.NumberOfShards * (meta.NumberOfReplicas + 1),
	}

	primaries := make(map[int]bool, meta.NumberOfShards)
	for _, r := range routing {
		if !r.State.Active() {
			continue
		}
		h.ActiveShards++
		if r.Primary && !primaries[r.Shard] {
			primaries[r.Shard] = true
			h.ActivePrimaries++
		}
	}

	switch {
	case h.ActivePrimaries < meta.NumberOfShards:
		h.Status = HealthRed
	case h.ActiveShards < h.Shards:
		h.Status = HealthYellow
	default:
		h.Status = HealthGreen
	}
	return h
}

func (r HealthResponse) satisfies(want HealthStatus) bool {
	return len(r.ValidationFailures) == 0 && r.Status >= want
}
