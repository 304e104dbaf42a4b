package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/labstack/echo/v4"

	"tangram.dev/tangram/pkg/terror"
)

// mintRemoteToken generates a sync-peer bearer token: 32 random bytes,
// hex-encoded, stored as a credential in pkg/database's remotes table.
func mintRemoteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", terror.Wrap(terror.Internal, err, "generating remote token")
	}
	return hex.EncodeToString(buf), nil
}

type postRemoteRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type postRemoteResponse struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// handlePostRemote registers a sync peer (§6.5), minting its bearer
// token and returning it exactly once: subsequent reads through
// remoteToWire never echo it back.
func (s *Server) handlePostRemote(c echo.Context) error {
	var req postRemoteRequest
	if err := c.Bind(&req); err != nil {
		return renderErr(c, terror.Wrap(terror.Invalid, err, "parsing remote request"))
	}
	if req.Name == "" || req.URL == "" {
		return renderErr(c, terror.New(terror.Invalid, "name and url are required"))
	}
	token, err := mintRemoteToken()
	if err != nil {
		return renderErr(c, err)
	}
	remote, err := s.deps.Database.PutRemote(c.Request().Context(), req.Name, req.URL, token)
	if err != nil {
		return renderErr(c, err)
	}
	return c.JSON(http.StatusCreated, postRemoteResponse{Name: remote.Name, URL: remote.URL, Token: token})
}

func (s *Server) handleListRemotes(c echo.Context) error {
	remotes, err := s.deps.Database.ListRemotes(c.Request().Context())
	if err != nil {
		return renderErr(c, err)
	}
	wires := make([]remoteWire, 0, len(remotes))
	for _, r := range remotes {
		wires = append(wires, remoteToWire(r))
	}
	return c.JSON(http.StatusOK, wires)
}

func (s *Server) handleDeleteRemote(c echo.Context) error {
	if err := s.deps.Database.DeleteRemote(c.Request().Context(), c.Param("name")); err != nil {
		return renderErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
