package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/sync"
	"tangram.dev/tangram/pkg/terror"
)

// syncOptionsWire is the JSON rendering of sync.Options shared by the
// stream and call request bodies.
type syncOptionsWire struct {
	Recursive bool `json:"recursive"`
	Commands  bool `json:"commands"`
	Errors    bool `json:"errors"`
	Logs      bool `json:"logs"`
	Outputs   bool `json:"outputs"`
}

func (w syncOptionsWire) toOptions() sync.Options {
	return sync.Options{Recursive: w.Recursive, Commands: w.Commands, Errors: w.Errors, Logs: w.Logs, Outputs: w.Outputs}
}

// flagSetWire is the SSE wire rendering of a sync.FlagSet.
type flagSetWire struct {
	Object  *index.ObjectFlags  `json:"object,omitempty"`
	Process *index.ProcessFlags `json:"process,omitempty"`
}

func flagSetToWire(f *sync.FlagSet) *flagSetWire {
	if f == nil {
		return nil
	}
	return &flagSetWire{Object: f.Object, Process: f.Process}
}

// remoteEventWire is one `data: <json>\n\n` SSE frame (§6.1).
type remoteEventWire struct {
	End      bool         `json:"end"`
	ID       string       `json:"id,omitempty"`
	Flags    *flagSetWire `json:"flags,omitempty"`
	Children []string     `json:"children,omitempty"`
}

type syncStreamRequest struct {
	Roots []string `json:"roots"`
	syncOptionsWire
}

// handleSyncStream serves this server's lazy enumeration of roots and
// their transitive children as SSE (§4.4.2 step 1, §6.1), built
// directly on s.local the same way an in-process engine.materializeLocal
// walks the local side of a sync call.
func (s *Server) handleSyncStream(c echo.Context) error {
	var req syncStreamRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing sync stream request"))
	}
	opts := req.syncOptionsWire.toOptions()

	roots := make([]id.ID, 0, len(req.Roots))
	for _, raw := range req.Roots {
		rootID, err := id.Parse(raw)
		if err != nil {
			return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing root id %q", raw))
		}
		roots = append(roots, rootID)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	visited := make(map[string]bool)
	var walk func(nodeID id.ID) error
	walk = func(nodeID id.ID) error {
		key := nodeID.String()
		if visited[key] {
			return nil
		}
		visited[key] = true

		flags, err := s.local.Flags(ctx, nodeID)
		if err != nil {
			return err
		}
		var children []id.ID
		if opts.Recursive {
			children, err = s.local.Children(ctx, nodeID)
			if err != nil {
				return err
			}
		}

		childStrs := make([]string, 0, len(children))
		for _, childID := range children {
			childStrs = append(childStrs, childID.String())
		}
		if err := writeSSEEvent(c, remoteEventWire{ID: key, Flags: flagSetToWire(flags), Children: childStrs}); err != nil {
			return err
		}

		if !opts.Recursive {
			return nil
		}
		for _, childID := range children {
			if err := walk(childID); err != nil {
				return err
			}
		}
		return nil
	}

	for _, rootID := range roots {
		if err := walk(rootID); err != nil {
			return err
		}
	}
	return writeSSEEvent(c, remoteEventWire{End: true})
}

func writeSSEEvent(c echo.Context, ev remoteEventWire) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return terror.Wrap(terror.Internal, err, "encoding sync event")
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", payload); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

type syncCallRequest struct {
	Remote    string   `json:"remote"`
	Direction string   `json:"direction"`
	Roots     []string `json:"roots"`
	syncOptionsWire
}

type syncCallResponse struct {
	Fetched int `json:"fetched"`
	Pushed  int `json:"pushed"`
}

// handleSyncCall triggers a bidirectional sync call against a
// registered remote (§4.4, §6.5).
func (s *Server) handleSyncCall(c echo.Context) error {
	var req syncCallRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing sync call request"))
	}
	ctx := c.Request().Context()

	remote, err := s.deps.Database.GetRemote(ctx, req.Remote)
	if err != nil {
		return renderErr(c, err)
	}

	roots := make([]id.ID, 0, len(req.Roots))
	for _, raw := range req.Roots {
		rootID, err := id.Parse(raw)
		if err != nil {
			return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing root id %q", raw))
		}
		roots = append(roots, rootID)
	}

	direction := sync.DirectionPull
	if req.Direction == string(sync.DirectionPush) {
		direction = sync.DirectionPush
	}

	peer := newHTTPRemotePeer(remote.URL, remote.Token)
	result, err := sync.Sync(ctx, s.local, peer, roots, req.syncOptionsWire.toOptions(), direction)
	if err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusOK, syncCallResponse{Fetched: result.Fetched, Pushed: result.Pushed})
}

// httpRemotePeer implements sync.RemotePeer against another tangram
// server's HTTP surface, the client half of §6.1's wire protocol.
type httpRemotePeer struct {
	baseURL string
	token   string
	client  *http.Client
}

func newHTTPRemotePeer(baseURL, token string) *httpRemotePeer {
	return &httpRemotePeer{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

func (p *httpRemotePeer) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, terror.Wrap(terror.Internal, err, "building request to %s", path)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return req, nil
}

func (p *httpRemotePeer) Stream(ctx context.Context, roots []id.ID, opts sync.Options) (<-chan sync.RemoteEvent, error) {
	rootStrs := make([]string, len(roots))
	for i, r := range roots {
		rootStrs[i] = r.String()
	}
	body, err := json.Marshal(syncStreamRequest{
		Roots:           rootStrs,
		syncOptionsWire: syncOptionsWire{Recursive: opts.Recursive, Commands: opts.Commands, Errors: opts.Errors, Logs: opts.Logs, Outputs: opts.Outputs},
	})
	if err != nil {
		return nil, terror.Wrap(terror.Internal, err, "encoding sync stream request")
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/sync/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, terror.Wrap(terror.BackendUnavailable, err, "opening sync stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, terror.New(terror.BackendUnavailable, "sync stream returned status %d", resp.StatusCode)
	}

	events := make(chan sync.RemoteEvent)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var wire remoteEventWire
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &wire); err != nil {
				return
			}
			ev := sync.RemoteEvent{End: wire.End}
			if !wire.End {
				nodeID, err := id.Parse(wire.ID)
				if err != nil {
					return
				}
				ev.ID = nodeID
				if wire.Flags != nil {
					ev.Flags = &sync.FlagSet{Object: wire.Flags.Object, Process: wire.Flags.Process}
				}
				for _, raw := range wire.Children {
					childID, err := id.Parse(raw)
					if err != nil {
						return
					}
					ev.Children = append(ev.Children, childID)
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if wire.End {
				return
			}
		}
	}()
	return events, nil
}

func (p *httpRemotePeer) Fetch(ctx context.Context, nodeID id.ID) ([]byte, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/objects/"+nodeID.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, terror.Wrap(terror.BackendUnavailable, err, "fetching %s from remote", nodeID)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, terror.New(terror.NotFound, "%s not found on remote", nodeID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, terror.New(terror.BackendUnavailable, "fetching %s from remote returned status %d", nodeID, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, terror.Wrap(terror.Internal, err, "reading remote response body")
	}
	return data, nil
}

func (p *httpRemotePeer) Push(ctx context.Context, nodeID id.ID, payload []byte) error {
	path := "/objects/" + nodeID.String()
	if nodeID.Kind() == id.KindProcess {
		path = "/processes/" + nodeID.String()
	}
	req, err := p.newRequest(ctx, http.MethodPut, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set(echo.HeaderContentType, "text/plain; charset=utf-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return terror.Wrap(terror.BackendUnavailable, err, "pushing %s to remote", nodeID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return terror.New(terror.BackendUnavailable, "pushing %s to remote returned status %d: %s", nodeID, resp.StatusCode, string(body))
	}
	return nil
}

var _ sync.RemotePeer = (*httpRemotePeer)(nil)
