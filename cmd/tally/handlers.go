package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kompany/tally/moderation/classify"
	"github.com/kompany/tally/moderation/countstore"
	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/moderation/router"
	"github.com/kompany/tally/moderation/submission"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Marker  string `json:"marker,omitempty"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("tally-http-internal-error", "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "tally", Message: errorMessage})
}

// engineError maps the engine error taxonomy to HTTP statuses.
func engineError(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrRejectedEvidence):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrUnknownSubmission), errors.Is(err, router.ErrNoCategory):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidAction):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrConcurrentUpdate):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrLedgerFailure), errors.Is(err, engine.ErrStoreFailure):
		code = http.StatusServiceUnavailable
	default:
		return err
	}
	return c.JSON(code, GenericStatus{
		Status:  "error",
		Daemon:  "tally",
		Message: err.Error(),
		Reason:  string(engine.RejectionReason(err)),
	})
}

func bearerAuth(token string, logger *slog.Logger) echo.MiddlewareFunc {
	expected := []byte("Bearer " + token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := []byte(c.Request().Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				logger.Info("rejecting request with bad auth header", "path", c.Path())
				return echo.NewHTTPError(http.StatusUnauthorized, "bad or missing API token")
			}
			return next(c)
		}
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "tally"})
}

func (srv *Server) categoryEngine(c echo.Context) (*engine.Engine, error) {
	cat := c.Param("category")
	eng, ok := srv.dispatcher.Engine(cat)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown category: %s", cat))
	}
	return eng, nil
}

// POST /v1/evidence
func (srv *Server) HandleSubmitEvidence(c echo.Context) error {
	var ev engine.Evidence
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid evidence: %s", err))
	}
	if ev.ID == "" || ev.ChannelName == "" && ev.ChannelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "evidence needs an id and a channel")
	}
	res, err := srv.dispatcher.Submit(c.Request().Context(), &ev)
	if err != nil {
		if res != nil && res.Marker != "" && errors.Is(err, engine.ErrRejectedEvidence) {
			return c.JSON(http.StatusUnprocessableEntity, GenericStatus{
				Status:  "error",
				Daemon:  "tally",
				Message: err.Error(),
				Reason:  string(engine.RejectionReason(err)),
				Marker:  res.Marker,
			})
		}
		return engineError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// POST /v1/reactions
func (srv *Server) HandleReaction(c echo.Context) error {
	var rx router.Reaction
	if err := c.Bind(&rx); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid reaction: %s", err))
	}
	if rx.MessageID == "" || rx.UserID == "" || rx.Emoji == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reaction needs message_id, user_id and emoji")
	}
	res, err := srv.router.HandleReaction(c.Request().Context(), rx)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type JudgeRequest struct {
	ReviewerID string `json:"reviewer_id"`
	// approve|deny
	Action     string          `json:"action"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// POST /v1/submissions/:category/:id/judge
func (srv *Server) HandleJudge(c echo.Context) error {
	eng, err := srv.categoryEngine(c)
	if err != nil {
		return err
	}
	var req JudgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid judge request: %s", err))
	}
	if req.ReviewerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer_id is required")
	}
	var action engine.Action
	switch engine.ActionKind(req.Action) {
	case engine.ActionApprove:
		action = engine.Approve(req.Multiplier)
	case engine.ActionDeny:
		action = engine.Deny()
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown action: %q", req.Action))
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	err = eng.Judge(ctx, engine.ReviewerAction{
		Category:     eng.Category(),
		SubmissionID: id,
		ReviewerID:   req.ReviewerID,
		Action:       action,
	})
	if err != nil {
		return engineError(c, err)
	}
	sub, err := eng.Get(ctx, id)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

type SubmissionView struct {
	*submission.Submission
	History []engine.AuditEvent `json:"history,omitempty"`
}

// GET /v1/submissions/:category/:id
func (srv *Server) HandleGetSubmission(c echo.Context) error {
	eng, err := srv.categoryEngine(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sub, err := eng.Get(ctx, c.Param("id"))
	if err != nil {
		return engineError(c, err)
	}
	out := SubmissionView{Submission: sub}
	if srv.auditLog != nil {
		hist, err := srv.auditLog.History(ctx, sub.Category, sub.ID)
		if err != nil {
			srv.logger.Warn("failed to load audit history", "submission", sub.ID, "err", err)
		}
		out.History = hist
	}
	return c.JSON(http.StatusOK, out)
}

// GET /v1/pending/:category
func (srv *Server) HandleListPending(c echo.Context) error {
	eng, err := srv.categoryEngine(c)
	if err != nil {
		return err
	}
	subs, err := eng.ListPending(c.Request().Context())
	if err != nil {
		return engineError(c, err)
	}
	if subs == nil {
		subs = []*submission.Submission{}
	}
	return c.JSON(http.StatusOK, map[string]any{"submissions": subs})
}

// GET /v1/ledger/:category/:user
func (srv *Server) HandleBalance(c echo.Context) error {
	cat := c.Param("category")
	if _, ok := srv.dispatcher.Engine(cat); !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown category: %s", cat))
	}
	bal, err := srv.ledger.Balance(c.Request().Context(), cat, c.Param("user"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"category": cat,
		"user":     c.Param("user"),
		"balance":  bal,
	})
}

// GET /v1/reviewers/:category/:reviewer/activity
func (srv *Server) HandleReviewerActivity(c echo.Context) error {
	cat := c.Param("category")
	if _, ok := srv.dispatcher.Engine(cat); !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown category: %s", cat))
	}
	ctx := c.Request().Context()
	reviewer := c.Param("reviewer")
	out := map[string]int{}
	for _, period := range []string{countstore.PeriodTotal, countstore.PeriodDay, countstore.PeriodHour} {
		n, err := srv.counters.GetCount(ctx, cat, reviewer, period)
		if err != nil {
			return err
		}
		out[period] = n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"category":   cat,
		"reviewer":   reviewer,
		"judgements": out,
	})
}

type KothStartRequest struct {
	Name         string `json:"name"`
	PointsPerTag int64  `json:"points_per_tag"`
}

// POST /v1/koth/start
func (srv *Server) HandleKothStart(c echo.Context) error {
	var req KothStartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid koth request: %s", err))
	}
	if req.Name == "" || req.PointsPerTag <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "koth event needs a name and positive points_per_tag")
	}
	evt, err := srv.koth.Start(c.Request().Context(), req.Name, req.PointsPerTag)
	if errors.Is(err, classify.ErrEventActive) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, evt)
}

// POST /v1/koth/end
func (srv *Server) HandleKothEnd(c echo.Context) error {
	evt, err := srv.koth.End(c.Request().Context())
	if errors.Is(err, classify.ErrNoActiveEvent) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, evt)
}

// GET /v1/koth
func (srv *Server) HandleKothStatus(c echo.Context) error {
	evt := srv.koth.Current()
	return c.JSON(http.StatusOK, map[string]any{
		"active": evt != nil,
		"event":  evt,
	})
}
