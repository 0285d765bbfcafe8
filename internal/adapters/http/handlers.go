package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dkeye/callscribe/internal/adapters/ws"
	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/store/memory"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionKey = "session_record_id"

type handlers struct {
	store   Store
	limiter *RateLimiter
	feed    *ws.Feed
}

type CreateRoomRequest struct {
	Code string `json:"code"`
}

type CreateRoomResponse struct {
	Room    domain.Room `json:"room"`
	Created bool        `json:"created"`
}

type FragmentRequest struct {
	Text string `json:"text"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
		return
	}
	code := domain.NewRoomCode()
	if strings.TrimSpace(req.Code) != "" {
		parsed, err := domain.ParseRoomCode(req.Code)
		if err != nil {
			writeError(c, err)
			return
		}
		code = parsed
	}
	room, created, err := h.store.ResolveRoom(c.Request.Context(), code)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, CreateRoomResponse{Room: room, Created: created})
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.store.ListRooms()})
}

func (h *handlers) getRoom(c *gin.Context) {
	code, err := domain.ParseRoomCode(c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	room, err := h.store.LookupRoom(code)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handlers) deleteRoom(c *gin.Context) {
	code, err := domain.ParseRoomCode(c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	room, err := h.store.LookupRoom(code)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.DeleteRoom(code); err != nil {
		writeError(c, err)
		return
	}
	h.feed.Disconnect(room.RecordID)
	c.Status(http.StatusNoContent)
}

// requireSession resolves :id and answers 404 before any upgrade.
func (h *handlers) requireSession(c *gin.Context) {
	id := domain.SessionRecordID(c.Param("id"))
	if _, err := h.store.LookupSession(id); err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	c.Set(sessionKey, id)
	c.Next()
}

func sessionID(c *gin.Context) domain.SessionRecordID {
	return c.MustGet(sessionKey).(domain.SessionRecordID)
}

func (h *handlers) postSignal(c *gin.Context) {
	var sig domain.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid signal"})
		return
	}
	sig.SessionRecordID = sessionID(c)
	// A bye is never throttled so a leaving peer always clears its backlog.
	if sig.Kind != domain.SignalBye && !h.limiter.Allow(string(sig.SenderPeerID)) {
		log.Warn().
			Str("module", "adapters.http").
			Str("session", string(sig.SessionRecordID)).
			Str("peer", string(sig.SenderPeerID)).
			Msg("signal rate limited")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
		return
	}
	stored, err := h.store.InsertSignal(c.Request.Context(), sig)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *handlers) signalsWS(c *gin.Context) {
	id := sessionID(c)
	h.feed.Serve(c, "signals", id, func(ctx context.Context, push func(ws.Envelope)) (core.Subscription, error) {
		return h.store.SubscribeSignals(ctx, id, func(s domain.Signal) { push(ws.SignalEnvelope(s)) })
	})
}

func (h *handlers) postFragment(c *gin.Context) {
	var req FragmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(c, memory.ErrEmptyFragment)
		return
	}
	f, err := h.store.InsertFragment(c.Request.Context(), sessionID(c), text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h *handlers) listFragments(c *gin.Context) {
	frags, err := h.store.ListFragments(sessionID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fragments": frags})
}

func (h *handlers) fragmentsWS(c *gin.Context) {
	id := sessionID(c)
	h.feed.Serve(c, "transcripts", id, func(ctx context.Context, push func(ws.Envelope)) (core.Subscription, error) {
		return h.store.SubscribeFragments(ctx, id, func(f domain.Fragment) { push(ws.FragmentEnvelope(f)) })
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrRoomNotFound), errors.Is(err, memory.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memory.ErrInvalidSignal),
		errors.Is(err, memory.ErrEmptyFragment),
		errors.Is(err, domain.ErrRoomCodeEmpty),
		errors.Is(err, domain.ErrRoomCodeTooLong),
		errors.Is(err, domain.ErrRoomCodeInvalid):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}
