package agent

import (
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/middleware"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/realtime"
	"github.com/dojo-tracker/capture/internal/session"
	"github.com/dojo-tracker/capture/internal/validation"
	"github.com/dojo-tracker/capture/pkg/response"
)

type fileRequest struct {
	Path string `json:"path" binding:"required"`
}

type confirmRequest struct {
	Title         string `json:"title"`
	TechniqueName string `json:"technique_name"`
	Style         string `json:"style"`
	IsPrivate     *bool  `json:"is_private"`
}

func (r confirmRequest) metadata() models.Metadata {
	private := true
	if r.IsPrivate != nil {
		private = *r.IsPrivate
	}
	return models.Metadata{
		Title:         r.Title,
		TechniqueName: r.TechniqueName,
		Style:         r.Style,
		IsPrivate:     private,
	}
}

// Router builds the gin engine serving the agent API.
func (a *Agent) Router() *gin.Engine {
	router := gin.New()
	router.UseRawPath = true
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(a.opts.CORSAllowedOrigins))
	router.Use(middleware.Logger(a.log))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	if a.opts.Hub != nil {
		router.GET("/ws", a.wsOwner, realtime.ServeWs(a.opts.Hub, a, a.log))
	}

	api := router.Group("")
	api.Use(middleware.Bearer())
	{
		api.POST("/sessions", a.create)
		api.GET("/sessions", a.list)
		api.GET("/device", a.deviceStatus)
		api.GET("/sessions/:id", a.withSession(a.get))
		api.POST("/sessions/:id/capture", a.withSession(a.capture))
		api.POST("/sessions/:id/file", a.withSession(a.chooseFile))
		api.POST("/sessions/:id/stop", a.withSession(a.stop))
		api.POST("/sessions/:id/cancel", a.withSession(a.cancelSession))
		api.POST("/sessions/:id/discard", a.withSession(a.discard))
		api.POST("/sessions/:id/confirm", a.withSession(a.confirm))
		api.POST("/sessions/:id/close", a.withSession(a.close))
		api.GET("/sessions/:id/preview", a.withSession(a.preview))
		api.GET("/videos/:id/stream", a.stream)
	}
	return router
}

type sessionHandler func(c *gin.Context, ctrl *session.Controller)

// withSession resolves :id to a session owned by the caller. Sessions of
// other callers are reported as missing.
func (a *Agent) withSession(h sessionHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid session id")
			return
		}
		ctrl, owner := a.Lookup(id, middleware.BearerToken(c))
		if ctrl == nil || !owner {
			response.NotFound(c, "session not found")
			return
		}
		h(c, ctrl)
	}
}

// wsOwner admits a WebSocket only for the session's owner. Browsers cannot set
// headers on the upgrade request, so the bearer may also come as ?token=.
func (a *Agent) wsOwner(c *gin.Context) {
	bearer := c.Query("token")
	if bearer == "" {
		bearer, _ = auth.BearerFromHeader(c.GetHeader("Authorization"))
	}
	if bearer == "" {
		response.Unauthorized(c, "missing bearer token")
		c.Abort()
		return
	}
	id, err := uuid.Parse(c.Query("session_id"))
	if err != nil {
		response.BadRequest(c, "valid session_id required")
		c.Abort()
		return
	}
	if ctrl, owner := a.Lookup(id, bearer); ctrl == nil || !owner {
		response.NotFound(c, "session not found")
		c.Abort()
		return
	}
	c.Next()
}

// create handles POST /sessions.
func (a *Agent) create(c *gin.Context) {
	ctrl := a.Open(middleware.BearerToken(c))
	response.Created(c, ctrl.Snapshot())
}

// list handles GET /sessions.
func (a *Agent) list(c *gin.Context) {
	response.OK(c, a.Snapshots(middleware.BearerToken(c)))
}

func (a *Agent) deviceStatus(c *gin.Context) {
	if a.opts.DeviceStatus == nil {
		response.NotFound(c, "device status not available")
		return
	}
	response.OK(c, a.opts.DeviceStatus())
}

func (a *Agent) get(c *gin.Context, ctrl *session.Controller) {
	response.OK(c, ctrl.Snapshot())
}

// accepted reports a submitted event. The transition itself arrives as a
// notification and in later snapshots.
func accepted(c *gin.Context, ctrl *session.Controller, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, ctrl.Snapshot())
}

func (a *Agent) capture(c *gin.Context, ctrl *session.Controller) {
	accepted(c, ctrl, ctrl.ChooseCapture())
}

func (a *Agent) stop(c *gin.Context, ctrl *session.Controller) {
	accepted(c, ctrl, ctrl.Stop())
}

func (a *Agent) cancelSession(c *gin.Context, ctrl *session.Controller) {
	accepted(c, ctrl, ctrl.Cancel())
}

func (a *Agent) discard(c *gin.Context, ctrl *session.Controller) {
	accepted(c, ctrl, ctrl.Discard())
}

func (a *Agent) close(c *gin.Context, ctrl *session.Controller) {
	accepted(c, ctrl, ctrl.Close())
}

// chooseFile handles POST /sessions/:id/file with a path on this host.
func (a *Agent) chooseFile(c *gin.Context, ctrl *session.Controller) {
	var req fileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "path is required")
		return
	}
	cand, err := validation.CandidateFromPath(req.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		response.NotFound(c, "file not found")
		return
	case err != nil && errs.KindOf(err) != "":
		response.Error(c, err)
		return
	case err != nil:
		a.log.Warn("inspect selected file", zap.String("path", req.Path), zap.Error(err))
		response.BadRequest(c, "file cannot be read")
		return
	}
	accepted(c, ctrl, ctrl.ChooseFile(cand))
}

// confirm handles POST /sessions/:id/confirm. is_private defaults to true.
func (a *Agent) confirm(c *gin.Context, ctrl *session.Controller) {
	var req confirmRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid metadata")
			return
		}
	}
	accepted(c, ctrl, ctrl.Confirm(req.metadata()))
}

// preview handles GET /sessions/:id/preview, serving the held asset with range support.
func (a *Agent) preview(c *gin.Context, ctrl *session.Controller) {
	asset := ctrl.Asset()
	if asset == nil {
		response.NotFound(c, "no asset to preview")
		return
	}
	rs, err := asset.Open()
	if err != nil {
		a.log.Warn("open asset for preview", zap.String("asset_id", asset.ID().String()), zap.Error(err))
		response.Error(c, errs.Wrap(errs.ErrAssetUnreadable, "asset can no longer be read", err))
		return
	}
	defer rs.Close()
	c.Header("Content-Type", asset.MimeType())
	http.ServeContent(c.Writer, c.Request, asset.Filename(), asset.CreatedAt(), rs)
}

// stream handles GET /videos/:id/stream, proxying Media Store playback.
func (a *Agent) stream(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "video id required")
		return
	}
	pb, err := a.opts.PlayerFor(middleware.BearerToken(c)).Open(c.Request.Context(), id, c.GetHeader("Range"))
	if err != nil {
		if code := errs.StatusCode(err); code == http.StatusNotFound || code == http.StatusUnauthorized || code == http.StatusForbidden {
			c.JSON(code, response.Body{Success: false, Error: err.Error(), ErrorKind: errs.KindOf(err)})
			return
		}
		response.Error(c, err)
		return
	}
	defer pb.Body.Close()
	pb.Header(c.Writer.Header())
	c.Status(pb.StatusCode)
	if _, err := io.Copy(c.Writer, pb.Body); err != nil {
		a.log.Debug("playback proxy interrupted", zap.String("video_id", id), zap.Error(err))
	}
}
