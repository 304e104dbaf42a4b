package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"tangram.dev/tangram/pkg/terror"
)

// handleGetIndexNode serves a node record's aggregates and stored
// flags for operators and tests (§8's invariants are stated over
// exactly these fields).
func (s *Server) handleGetIndexNode(c echo.Context) error {
	nodeID, err := parseID(c)
	if err != nil {
		return renderErr(c, err)
	}
	rec, err := s.deps.Index.GetNode(c.Request().Context(), nodeID)
	if err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusOK, nodeRecordToWire(rec))
}

type indexUpdateRequest struct {
	Batch int `json:"batch"`
}

type indexUpdateResponse struct {
	Drained int `json:"drained"`
}

// handleIndexUpdate drains one batch of the propagation queue
// on-demand, alongside the background indexer loop (§4.3); useful for
// tests that want deterministic settling instead of waiting on a
// ticker.
func (s *Server) handleIndexUpdate(c echo.Context) error {
	var req indexUpdateRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing index update request"))
	}
	if req.Batch <= 0 {
		req.Batch = 256
	}
	drained, err := s.deps.Index.UpdateBatch(c.Request().Context(), req.Batch)
	if err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusOK, indexUpdateResponse{Drained: drained})
}

type cleanRequest struct {
	MaxAgeSeconds int `json:"max_age_seconds"`
	Batch         int `json:"batch"`
}

type cleanResponse struct {
	Deleted int `json:"deleted"`
}

// handleClean runs one on-demand clean scan (§4.7), deleting unstored,
// zero-reference-count nodes untouched since before the cutoff.
func (s *Server) handleClean(c echo.Context) error {
	var req cleanRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing clean request"))
	}
	if req.Batch <= 0 {
		req.Batch = 256
	}
	cutoff := time.Now().Add(-time.Duration(req.MaxAgeSeconds) * time.Second)
	deleted, err := s.deps.Index.Clean(c.Request().Context(), cutoff, req.Batch)
	if err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusOK, cleanResponse{Deleted: deleted})
}
