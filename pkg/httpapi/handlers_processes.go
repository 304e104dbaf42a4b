package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/terror"
)

func parseCommandID(raw string) (id.ID, error) {
	parsed, err := id.Parse(raw)
	if err != nil {
		return id.ID{}, terror.Wrap(terror.Invalid, err, "parsing command id %q", raw)
	}
	return parsed, nil
}

func (s *Server) handleGetProcess(c echo.Context) error {
	proc, err := s.deps.Database.GetProcess(c.Request().Context(), c.Param("id"))
	if err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusOK, processToWire(proc))
}

func (s *Server) handleHeadProcess(c echo.Context) error {
	if _, err := s.deps.Database.GetProcess(c.Request().Context(), c.Param("id")); err != nil {
		return renderErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// handlePutProcessPayload writes a process's opaque sync-transfer
// snapshot straight to the Store, mirroring pkg/sync.localPeer.Store's
// process branch: the authoritative mutable record still lives in the
// Database on whichever server owns the process (§2, §4.4.2 step 3).
func (s *Server) handlePutProcessPayload(c echo.Context) error {
	procID, err := parseID(c)
	if err != nil {
		return renderErr(c, err)
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "reading request body"))
	}
	if err := s.deps.Store.Put(c.Request().Context(), procID, data, time.Now()); err != nil {
		return renderErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type spawnRequest struct {
	Command   string `json:"command"`
	Cacheable bool   `json:"cacheable"`
}

// handleSpawnProcess accepts a process submission (§2: "external
// clients submit ... processes (spawn)"), refusing commands whose
// host doesn't match this server (§4.6).
func (s *Server) handleSpawnProcess(c echo.Context) error {
	var req spawnRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing spawn request"))
	}
	cmdID, err := parseCommandID(req.Command)
	if err != nil {
		return renderErr(c, err)
	}

	ctx := c.Request().Context()
	data, err := s.deps.Store.Get(ctx, cmdID)
	if err != nil {
		return renderErr(c, err)
	}
	obj, err := object.Decode(data)
	if err != nil {
		return renderErr(c, err)
	}
	cmd, ok := obj.(object.Command)
	if !ok {
		return renderErr(c, terror.New(terror.Invalid, "%s is not a command", cmdID))
	}
	if !s.deps.Runtime.CanHost(cmd) {
		return renderErr(c, terror.New(terror.Invalid, "command host %q does not match this server", cmd.Host))
	}

	proc, err := s.deps.Runtime.Spawn(ctx, cmdID, req.Cacheable)
	if err != nil {
		return renderErr(c, err)
	}

	if s.deps.Messenger != nil {
		_ = s.deps.Messenger.Publish(ctx, "queue", []byte(proc.ID))
	}
	return c.JSON(http.StatusCreated, processToWire(proc))
}

func (s *Server) handleCancelProcess(c echo.Context) error {
	s.deps.Runtime.Cancel(c.Param("id"))
	return c.NoContent(http.StatusAccepted)
}
