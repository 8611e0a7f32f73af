package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/sandbox"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/workspace"
)

// ReadRequest is the JSON body for the read and chdir operations.
type ReadRequest struct {
	Path string `json:"path"`
}

// WriteRequest is the JSON body for the write operation.
type WriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Actor   string `json:"actor,omitempty"` // Defaults to the authenticated client id.
}

// EditRequest is the JSON body for the edit operation.
type EditRequest struct {
	Path      string `json:"path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
	Actor     string `json:"actor,omitempty"`
}

// SearchRequest is the JSON body for the search operation.
type SearchRequest struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path,omitempty"` // Defaults to the root.
	MaxMatches int    `json:"max_matches,omitempty"`
}

// ExecRequest is the JSON body for the exec operation.
type ExecRequest struct {
	Command string `json:"command"`
}

// StatusResponse is the JSON response for the status operation.
type StatusResponse struct {
	Initialized bool   `json:"initialized"`
	Mode        string `json:"mode"`
	Root        string `json:"root"`
	FileCount   int    `json:"file_count"`
}

// resolveService picks the target workspace service for the request.
// /v1/workspace routes hit the shared service; /v1/sandbox routes resolve
// the caller's session sandbox from the X-Session-ID header, creating it
// on first use.
func (g *Gateway) resolveService(c *okapi.Context) (*workspace.Service, error) {
	if !strings.HasPrefix(c.Request().URL.Path, "/v1/sandbox") {
		return g.shared, nil
	}

	sessionID := c.Header(sessionHeader)
	if sessionID == "" {
		return nil, c.AbortBadRequest(sessionHeader + " header is required")
	}

	svc, perr := g.sessions.GetOrCreate(c.Context(), sessionID)
	if perr != nil {
		return nil, c.JSON(http.StatusBadRequest, ErrorBody{Error: perr.Message})
	}
	return svc, nil
}

// opStatus maps a classified operation failure to an HTTP status code.
// Results are returned as data either way; the status code is advisory.
func opStatus(err *sandbox.OpError) int {
	if err == nil {
		return http.StatusOK
	}
	switch err.Kind {
	case sandbox.ErrPathRejected, sandbox.ErrCommandForbidden, sandbox.ErrInvalidSessionID:
		return http.StatusBadRequest
	case sandbox.ErrNotFound, sandbox.ErrPatternNotFound:
		return http.StatusNotFound
	case sandbox.ErrNotInitialized:
		return http.StatusServiceUnavailable
	case sandbox.ErrTimeout:
		// The command ran; the caller gets the partial output as data.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) actor(c *okapi.Context, requested string) string {
	if requested != "" {
		return requested
	}
	if id := c.GetString("clientID"); id != "" {
		return id
	}
	return "unknown"
}

func (g *Gateway) handleRead(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	var req ReadRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	res := svc.Read(c.Context(), req.Path)
	return c.JSON(opStatus(res.Err), res)
}

func (g *Gateway) handleWrite(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	var req WriteRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	res := svc.Write(c.Context(), g.actor(c, req.Actor), req.Path, req.Content)
	code := opStatus(res.Err)
	if res.OK && res.Change == sandbox.ChangeCreated {
		code = http.StatusCreated
	}
	return c.JSON(code, res)
}

func (g *Gateway) handleEdit(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	var req EditRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return c.AbortBadRequest("path is required")
	}
	if req.OldString == "" {
		return c.AbortBadRequest("old_string is required")
	}

	res := svc.Edit(c.Context(), g.actor(c, req.Actor), req.Path, req.OldString, req.NewString)
	return c.JSON(opStatus(res.Err), res)
}

func (g *Gateway) handleList(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	path := c.Query("path")
	if path == "" {
		path = "."
	}

	res := svc.List(c.Context(), path)
	return c.JSON(opStatus(res.Err), res)
}

func (g *Gateway) handleSearch(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	var req SearchRequest
	if err := c.Bind(&req); err != nil || req.Pattern == "" {
		return c.AbortBadRequest("pattern is required")
	}
	if req.Path == "" {
		req.Path = "."
	}

	res := svc.Search(c.Context(), req.Pattern, req.Path, req.MaxMatches)
	return c.JSON(opStatus(res.Err), res)
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	var req ExecRequest
	if err := c.Bind(&req); err != nil || req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("exec request",
		slog.String("correlation_id", correlationID),
		slog.String("client_id", c.GetString("clientID")),
	)

	res := svc.Exec(c.Context(), req.Command)
	if res.Err != nil && res.Err.Kind != sandbox.ErrTimeout {
		g.logger.Warn("exec rejected or failed",
			slog.String("correlation_id", correlationID),
			slog.String("kind", string(res.Err.Kind)),
		)
	}
	return c.JSON(opStatus(res.Err), res)
}

func (g *Gateway) handleChdir(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	var req ReadRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	res := svc.Chdir(req.Path)
	return c.JSON(opStatus(res.Err), res)
}

func (g *Gateway) handleChanges(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = parsed
	}

	return c.OK(svc.RecentChanges(limit))
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	svc, err := g.resolveService(c)
	if svc == nil {
		return err
	}

	return c.OK(StatusResponse{
		Initialized: true,
		Mode:        string(svc.Mode()),
		Root:        svc.Root(),
		FileCount:   svc.FileCount(),
	})
}

// --- Session lifecycle ---

func (g *Gateway) handleSessionStats(c *okapi.Context) error {
	return c.OK(g.sessions.Stats())
}

func (g *Gateway) handleSessionClose(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("session id is required")
	}

	if err := g.sessions.Close(c.Context(), id); err != nil {
		if perr, ok := err.(*sandbox.OpError); ok {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: perr.Message})
		}
		return c.AbortInternalServerError("closing session failed")
	}
	return c.OK(map[string]string{"status": "closed"})
}

// rateLimit applies the per-client token bucket after authentication.
func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Allow(c.GetString("clientID")); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		return next(c)
	}
}
