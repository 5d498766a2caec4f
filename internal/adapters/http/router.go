package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/jinglecall/internal/app"
	"github.com/dkeye/jinglecall/internal/app/orch"
	"github.com/dkeye/jinglecall/internal/config"
	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Telephony is the set of operations the control API drives.
// *orch.Orchestrator implements it.
type Telephony interface {
	Dial(ctx context.Context, req orch.DialRequest) (*app.CallPeer, error)
	Answer(sid domain.SessionID) error
	Hangup(sid domain.SessionID) error
	Hold(sid domain.SessionID, on bool) error
	Transfer(sid domain.SessionID, target domain.Address, attended domain.SessionID) error
	AddContent(sid domain.SessionID, media domain.MediaType) error
	RemoveContent(sid domain.SessionID, media domain.MediaType) error
	Calls() []app.CallInfo
}

// Substrate reports whether the signalling stream is up.
type Substrate interface {
	Connected() bool
}

type DialRequest struct {
	To         string   `json:"to" binding:"required"`
	Media      []string `json:"media"`
	CallID     string   `json:"call_id"`
	Conference bool     `json:"conference"`
}

type HoldRequest struct {
	On bool `json:"on"`
}

type TransferRequest struct {
	To          string `json:"to" binding:"required"`
	AttendedSID string `json:"attended_sid"`
}

type ContentRequest struct {
	Media string `json:"media" binding:"required"`
}

type controller struct {
	tel       Telephony
	substrate Substrate
}

func SetupRouter(cfg *config.Config, tel Telephony, substrate Substrate) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := &controller{tel: tel, substrate: substrate}
	api := r.Group("/api")
	api.GET("/healthz", ctl.health)

	calls := api.Group("/calls")
	calls.GET("", ctl.list)
	calls.POST("", ctl.dial)
	calls.POST("/:sid/answer", ctl.answer)
	calls.POST("/:sid/hold", ctl.hold)
	calls.POST("/:sid/transfer", ctl.transfer)
	calls.POST("/:sid/content", ctl.addContent)
	calls.DELETE("/:sid/content/:media", ctl.removeContent)
	calls.DELETE("/:sid", ctl.hangup)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func (ctl *controller) health(c *gin.Context) {
	if ctl.substrate != nil && !ctl.substrate.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "signal": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "signal": "connected"})
}

func (ctl *controller) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": ctl.tel.Calls()})
}

func (ctl *controller) dial(c *gin.Context) {
	var req DialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	to, err := domain.ParseAddress(req.To)
	if err != nil {
		badRequest(c, err)
		return
	}
	media := make([]domain.MediaType, 0, len(req.Media))
	for _, m := range req.Media {
		mt, err := domain.ParseMediaType(m)
		if err != nil {
			badRequest(c, err)
			return
		}
		media = append(media, mt)
	}
	peer, err := ctl.tel.Dial(c.Request.Context(), orch.DialRequest{
		To:         to,
		Media:      media,
		CallID:     domain.CallID(req.CallID),
		Conference: req.Conference,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, peer.Info())
}

func (ctl *controller) answer(c *gin.Context) {
	respond(c, ctl.tel.Answer(sidParam(c)))
}

func (ctl *controller) hangup(c *gin.Context) {
	respond(c, ctl.tel.Hangup(sidParam(c)))
}

func (ctl *controller) hold(c *gin.Context) {
	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, ctl.tel.Hold(sidParam(c), req.On))
}

func (ctl *controller) transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	target, err := domain.ParseAddress(req.To)
	if err != nil {
		badRequest(c, err)
		return
	}
	respond(c, ctl.tel.Transfer(sidParam(c), target, domain.SessionID(req.AttendedSID)))
}

func (ctl *controller) addContent(c *gin.Context) {
	var req ContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	media, err := domain.ParseMediaType(req.Media)
	if err != nil {
		badRequest(c, err)
		return
	}
	respond(c, ctl.tel.AddContent(sidParam(c), media))
}

func (ctl *controller) removeContent(c *gin.Context) {
	media, err := domain.ParseMediaType(c.Param("media"))
	if err != nil {
		badRequest(c, err)
		return
	}
	respond(c, ctl.tel.RemoveContent(sidParam(c), media))
}

func sidParam(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("sid"))
}

func respond(c *gin.Context, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, app.ErrUnknownSession), errors.Is(err, app.ErrUnknownCall):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidState), errors.Is(err, app.ErrDuplicateSession), errors.Is(err, app.ErrCallEnded):
		return http.StatusConflict
	case errors.Is(err, orch.ErrNoBridge):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
