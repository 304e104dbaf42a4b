package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/terror"
)

func parseID(c echo.Context) (id.ID, error) {
	raw := c.Param("id")
	parsed, err := id.Parse(raw)
	if err != nil {
		return id.ID{}, terror.Wrap(terror.Invalid, err, "parsing id %q", raw)
	}
	return parsed, nil
}

// handleGetObject serves an object's raw canonical bytes (§3.4): the
// same payload fed to BLAKE3 and the same payload the sync engine
// transfers through Store.Get/Put (§4.4.2 step 3).
func (s *Server) handleGetObject(c echo.Context) error {
	objID, err := parseID(c)
	if err != nil {
		return renderErr(c, err)
	}
	data, err := s.deps.Store.Get(c.Request().Context(), objID)
	if err != nil {
		return renderErr(c, err)
	}
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", data)
}

func (s *Server) handleHeadObject(c echo.Context) error {
	objID, err := parseID(c)
	if err != nil {
		return renderErr(c, err)
	}
	if _, err := s.deps.Store.Get(c.Request().Context(), objID); err != nil {
		return renderErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// handlePutObject writes an object's canonical bytes (§4.1's Put
// contract) and its Index node/edges/node-aggregate in the same
// logical batch, grounded on pkg/checkin/ingest.go's putObject. A
// body whose content-address doesn't match the path id is an
// IntegrityViolation (§3.4, §7): fatal, surfaced to the caller.
func (s *Server) handlePutObject(c echo.Context) error {
	objID, err := parseID(c)
	if err != nil {
		return renderErr(c, err)
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "reading request body"))
	}

	obj, err := object.Decode(data)
	if err != nil {
		return renderErr(c, err)
	}
	if !obj.ID().Equal(objID) {
		return renderErr(c, terror.New(terror.IntegrityViolation, "object body hashes to %s, not %s", obj.ID(), objID))
	}

	ctx := c.Request().Context()
	now := time.Now()
	if err := s.deps.Store.Put(ctx, objID, data, now); err != nil {
		return renderErr(c, err)
	}

	ownStored := true
	if err := s.deps.Index.Put(ctx, index.PutArg{
		ID:              objID,
		TouchedAt:       now,
		ObjectChildren:  object.Children(obj),
		ObjectOwnStored: &ownStored,
		ObjectNodeAggregate: &index.Aggregate{
			Count:    1,
			Size:     uint64(len(data)),
			Solvable: true,
			Solved:   true,
		},
	}); err != nil {
		return renderErr(c, err)
	}
	return c.NoContent(http.StatusCreated)
}
