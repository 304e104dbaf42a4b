// Package httpapi implements the external RPC boundary (§6.1): an
// HTTP/2 surface over `/objects`, `/processes`, `/tags`, `/sync`,
// `/checkin`, `/index`, `/clean`, `/health`, and `/remotes`, plus the
// HTTP client half of the sync engine's RemotePeer. Uses an echo
// server (logger/recover/CORS/request-ID middleware) and a set of
// domain<->wire conversion functions (`objectToWire`, `processToWire`,
// ...).
package httpapi

import (
	"encoding/json"
	"time"

	"tangram.dev/tangram/pkg/database"
	"tangram.dev/tangram/pkg/index"
)

// decodeChildren parses a Process.Children JSON array, tolerating the
// empty string a freshly created process row may carry.
func decodeChildren(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// aggregateWire is the JSON rendering of an index.Aggregate; nil stays
// nil to preserve the "not yet computed" distinction (§4.2).
type aggregateWire struct {
	Count    uint64 `json:"count"`
	Depth    uint64 `json:"depth"`
	Size     uint64 `json:"size"`
	Solvable bool   `json:"solvable"`
	Solved   bool   `json:"solved"`
}

func aggregateToWire(a *index.Aggregate) *aggregateWire {
	if a == nil {
		return nil
	}
	return &aggregateWire{Count: a.Count, Depth: a.Depth, Size: a.Size, Solvable: a.Solvable, Solved: a.Solved}
}

// nodeRecordWire is the JSON rendering of an index.NodeRecord, served
// by GET /index/{id} for tests and operators to inspect aggregates and
// stored flags directly (§8's quantified invariants are stated over
// exactly these fields).
type nodeRecordWire struct {
	ID             string `json:"id"`
	Exists         bool   `json:"exists"`
	TouchedAt      string `json:"touched_at"`
	ReferenceCount int64  `json:"reference_count"`

	ObjectFlags *index.ObjectFlags `json:"object_flags,omitempty"`
	Process     *processFlagsWire  `json:"process_flags,omitempty"`

	ObjectNode    *aggregateWire   `json:"object_node,omitempty"`
	ObjectSubtree *aggregateWire   `json:"object_subtree,omitempty"`
	ProcessAggs   *processAggsWire `json:"process_aggregates,omitempty"`
}

type processFlagsWire = index.ProcessFlags

type processAggsWire struct {
	Command aggPairWire `json:"command"`
	Error   aggPairWire `json:"error"`
	Log     aggPairWire `json:"log"`
	Output  aggPairWire `json:"output"`
}

type aggPairWire struct {
	Node    *aggregateWire `json:"node,omitempty"`
	Subtree *aggregateWire `json:"subtree,omitempty"`
}

func nodeRecordToWire(rec index.NodeRecord) nodeRecordWire {
	w := nodeRecordWire{
		ID:             rec.ID.String(),
		Exists:         rec.Exists,
		TouchedAt:      rec.TouchedAt.Format(time.RFC3339Nano),
		ReferenceCount: rec.ReferenceCount,
		ObjectFlags:    rec.ObjectFlags,
		Process:        rec.ProcessFlags,
	}
	if rec.ObjectAggregates != nil {
		w.ObjectNode = aggregateToWire(rec.ObjectAggregates.Node)
		w.ObjectSubtree = aggregateToWire(rec.ObjectAggregates.Subtree)
	}
	if rec.ProcessAggregates != nil {
		p := rec.ProcessAggregates
		w.ProcessAggs = &processAggsWire{
			Command: aggPairWire{Node: aggregateToWire(p.Command.Node), Subtree: aggregateToWire(p.Command.Subtree)},
			Error:   aggPairWire{Node: aggregateToWire(p.Error.Node), Subtree: aggregateToWire(p.Error.Subtree)},
			Log:     aggPairWire{Node: aggregateToWire(p.Log.Node), Subtree: aggregateToWire(p.Log.Subtree)},
			Output:  aggPairWire{Node: aggregateToWire(p.Output.Node), Subtree: aggregateToWire(p.Output.Subtree)},
		}
	}
	return w
}

// processWire is the JSON rendering of a database.Process record
// served by GET /processes/{id} (§3.3).
type processWire struct {
	ID            string    `json:"id"`
	Command       string    `json:"command"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Log           *string   `json:"log,omitempty"`
	Output        *string   `json:"output,omitempty"`
	Children      []string  `json:"children"`
	Status        string    `json:"status"`
	Exit          *int      `json:"exit,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Cacheable     bool      `json:"cacheable"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func processToWire(p database.Process) processWire {
	return processWire{
		ID:            p.ID,
		Command:       p.Command,
		ErrorCode:     p.ErrorCode,
		ErrorMessage:  p.ErrorMessage,
		Log:           p.Log,
		Output:        p.Output,
		Children:      decodeChildren(p.Children),
		Status:        p.Status,
		Exit:          p.Exit,
		LastHeartbeat: p.LastHeartbeat,
		Cacheable:     p.Cacheable,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// remoteWire is the JSON rendering of a registered sync peer (§6.5),
// never echoing the bearer token back once minted.
type remoteWire struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func remoteToWire(r database.Remote) remoteWire {
	return remoteWire{Name: r.Name, URL: r.URL}
}
