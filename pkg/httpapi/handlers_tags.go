package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/terror"
)

// handleGetTag resolves a tag through the Index, the authoritative
// source (§4.2's tag table); the Database shadow exists only to let
// SQL joins reach a tag without a round trip here.
func (s *Server) handleGetTag(c echo.Context) error {
	item, err := s.deps.Index.ResolveTag(c.Request().Context(), c.Param("tag"))
	if err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"tag": c.Param("tag"), "item": item.String()})
}

type putTagRequest struct {
	Item string `json:"item"`
}

// handlePutTag writes the tag to the Index then refreshes the
// Database shadow, per the ordering pkg/database/database.go's
// PutTag doc comment describes: the Index remains authoritative, the
// shadow follows.
func (s *Server) handlePutTag(c echo.Context) error {
	tag := c.Param("tag")
	var req putTagRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing tag request"))
	}
	item, err := id.Parse(req.Item)
	if err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing item id %q", req.Item))
	}

	ctx := c.Request().Context()
	if err := s.deps.Index.PutTag(ctx, tag, item); err != nil {
		return renderErr(c, err)
	}
	if err := s.deps.Database.PutTag(ctx, tag, item.String()); err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"tag": tag, "item": item.String()})
}

func (s *Server) handleDeleteTag(c echo.Context) error {
	tag := c.Param("tag")
	ctx := c.Request().Context()
	if err := s.deps.Index.DeleteTag(ctx, tag); err != nil {
		return renderErr(c, err)
	}
	if err := s.deps.Database.DeleteTag(ctx, tag); err != nil {
		return renderErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
