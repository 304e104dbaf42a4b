package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tangram.dev/tangram/pkg/checkin"
	"tangram.dev/tangram/pkg/checkout"
	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/terror"
)

type checkinRequest struct {
	Path string `json:"path"`
}

type checkinResponse struct {
	Root string `json:"root"`
}

// handleCheckin ingests a path on this server's local filesystem
// (§4.5): the client and server share a disk, the same way the
// embedded-mode CLI invokes pkg/checkin directly rather than shipping
// file bytes over the wire.
func (s *Server) handleCheckin(c echo.Context) error {
	var req checkinRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing checkin request"))
	}
	if req.Path == "" {
		return renderErr(c, terror.New(terror.Invalid, "path is required"))
	}

	result, err := checkin.Checkin(c.Request().Context(), req.Path, s.deps.Store, s.deps.Index, checkin.Options{Chunk: s.deps.ChunkParams})
	if err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusOK, checkinResponse{Root: result.Root.String()})
}

type checkoutRequest struct {
	Root string `json:"root"`
	Path string `json:"path"`
}

// handleCheckout materializes an object graph rooted at req.Root onto
// req.Path on this server's local filesystem.
func (s *Server) handleCheckout(c echo.Context) error {
	var req checkoutRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing checkout request"))
	}
	if req.Path == "" {
		return renderErr(c, terror.New(terror.Invalid, "path is required"))
	}
	rootID, err := id.Parse(req.Root)
	if err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing root id %q", req.Root))
	}

	co := checkout.New(s.deps.Store)
	if err := co.Run(c.Request().Context(), object.NewObjectEdge(rootID), req.Path); err != nil {
		return renderErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
