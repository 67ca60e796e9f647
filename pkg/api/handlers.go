package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/aggregate"
	"github.com/codelaboratoryltd/acctd/pkg/archive"
	"github.com/codelaboratoryltd/acctd/pkg/authlog"
	"github.com/codelaboratoryltd/acctd/pkg/engine"
	"github.com/codelaboratoryltd/acctd/pkg/ledger"
	"github.com/codelaboratoryltd/acctd/pkg/persist"
	"github.com/codelaboratoryltd/acctd/pkg/query"
	"github.com/codelaboratoryltd/acctd/pkg/radius"
)

type healthResponse struct {
	Status string           `json:"status"`
	Sinks  []persist.Health `json:"sinks"`
}

type countResponse struct {
	Count int `json:"count"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

type statsResponse struct {
	query.Counters
	Engine   *engine.Stats       `json:"engine,omitempty"`
	Listener *radius.ServerStats `json:"radius,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	resp := healthResponse{Status: "ok", Sinks: []persist.Health{}}
	if s.deps.Health != nil {
		resp.Sinks = s.deps.Health.Health()
	}

	status := http.StatusOK
	for _, h := range resp.Sinks {
		if !h.Available {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(status, resp)
}

func (s *Server) liveSessions(c *gin.Context) {
	p, ok := paging(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.deps.Query.LiveSessions(liveFilter(c), p))
}

func (s *Server) countLive(c *gin.Context) {
	c.JSON(http.StatusOK, countResponse{Count: s.deps.Query.CountLive(liveFilter(c))})
}

func (s *Server) closedSessions(c *gin.Context) {
	p, ok := paging(c)
	if !ok {
		return
	}
	from, to, ok := s.dateRange(c)
	if !ok {
		return
	}

	f := archive.Filter{
		NASID:    c.Query("nas_id"),
		Username: c.Query("username"),
		From:     from,
		To:       to,
	}
	page, err := s.deps.Query.ClosedSessions(c.Request.Context(), f, p)
	if err != nil {
		s.queryFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) authRecords(c *gin.Context) {
	p, ok := paging(c)
	if !ok {
		return
	}
	from, to, ok := s.dateRange(c)
	if !ok {
		return
	}

	q := authlog.Query{Username: c.Query("username"), StartTime: from, EndTime: to}
	if v := c.Query("reply"); v != "" {
		reply, err := acct.ParseReply(v)
		if err != nil {
			writeProblem(c, http.StatusBadRequest, err.Error())
			return
		}
		q.Reply = reply
	}

	page, err := s.deps.Query.AuthRecords(c.Request.Context(), q, p)
	if err != nil {
		s.queryFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) dailyTraffic(c *gin.Context) {
	from, to, ok := s.dateRange(c)
	if !ok {
		return
	}
	days, err := s.deps.Query.DailyTraffic(c.Query("username"), from, to)
	if err != nil {
		s.queryFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse[aggregate.TrafficDaySummary]{Data: days})
}

func (s *Server) topUsers(c *gin.Context) {
	limit, ok := intParam(c, "limit", 0)
	if !ok {
		return
	}
	from, to, ok := s.dateRange(c)
	if !ok {
		return
	}
	top, err := s.deps.Query.TopUsers(from, to, limit)
	if err != nil {
		s.queryFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse[aggregate.UserTraffic]{Data: top})
}

func (s *Server) stats(c *gin.Context) {
	counters, err := s.deps.Query.SystemCounters(c.Request.Context())
	if err != nil {
		s.queryFailed(c, err)
		return
	}

	resp := statsResponse{Counters: counters}
	if s.deps.Engine != nil {
		st := s.deps.Engine.Stats()
		resp.Engine = &st
	}
	if s.deps.Listener != nil {
		st := s.deps.Listener.Stats()
		resp.Listener = &st
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) queryFailed(c *gin.Context, err error) {
	if errors.Is(err, query.ErrInvalidQuery) {
		writeProblem(c, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Warn("Query failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	writeProblem(c, http.StatusServiceUnavailable, err.Error())
}

func (s *Server) dateRange(c *gin.Context) (from, to time.Time, ok bool) {
	var err error
	if from, err = s.deps.Query.ParseDate(c.Query("from"), false); err != nil {
		writeProblem(c, http.StatusBadRequest, fmt.Sprintf("from: %v", err))
		return from, to, false
	}
	if to, err = s.deps.Query.ParseDate(c.Query("to"), true); err != nil {
		writeProblem(c, http.StatusBadRequest, fmt.Sprintf("to: %v", err))
		return from, to, false
	}
	return from, to, true
}

func liveFilter(c *gin.Context) ledger.Filter {
	return ledger.Filter{
		NASID:    c.Query("nas_id"),
		APName:   c.Query("ap"),
		GroupID:  c.Query("group_id"),
		Username: c.Query("username"),
	}
}

func paging(c *gin.Context) (query.Paging, bool) {
	page, ok := intParam(c, "page", 1)
	if !ok {
		return query.Paging{}, false
	}
	limit, ok := intParam(c, "limit", query.DefaultLimit)
	if !ok {
		return query.Paging{}, false
	}
	return query.Paging{Page: page, Limit: limit}, true
}

// intParam reads a positive integer parameter. An absent parameter takes
// def.
func intParam(c *gin.Context, name string, def int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeProblem(c, http.StatusBadRequest, fmt.Sprintf("%s must be a positive integer, got %q", name, v))
		return 0, false
	}
	return n, true
}
