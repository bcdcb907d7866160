package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/showlink/internal/connector"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxPayloadBytes = 1 << 20

type bundleView struct {
	Bundle     string    `json:"bundle"`
	Range      string    `json:"range"`
	Replicants []string  `json:"replicants"`
	Reported   string    `json:"reported,omitempty"`
	Verdict    string    `json:"verdict"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

type commandView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type indicatorView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Value       any    `json:"value"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.started).String(),
			"instance": s.cfg.Instance,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		state := s.conn.State()
		status := http.StatusOK
		if state != connector.StateLive {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    state == connector.StateLive,
			"state":    state.String(),
			"instance": s.cfg.Instance,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.conn.Status())
	})

	r.GET("/bundles", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"bundles": s.bundles()})
	})

	r.GET("/replicants", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"replicants": s.conn.Snapshots()})
	})

	r.GET("/replicants/:bundle/:name", func(c *gin.Context) {
		bundle, name := c.Param("bundle"), c.Param("name")
		for _, snap := range s.conn.Snapshots() {
			if snap.Bundle == bundle && snap.Name == name {
				c.JSON(http.StatusOK, snap)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "replicant not declared"})
	})

	ops := r.Group("/", s.requireToken())
	ops.POST("/bundles/:bundle/commands/:command", s.handleSend)

	ops.POST("/reconnect", func(c *gin.Context) {
		s.runCommand(c, connector.CommandReconnect)
	})

	r.GET("/capabilities", func(c *gin.Context) {
		commands := s.commands()
		cmdViews := make([]commandView, 0, len(commands))
		for _, d := range commands {
			cmdViews = append(cmdViews, commandView{ID: d.ID, Name: d.Name, Description: d.Description})
		}
		indicators := s.indicators()
		indViews := make([]indicatorView, 0, len(indicators))
		for _, d := range indicators {
			view := indicatorView{ID: d.ID, Name: d.Name, Description: d.Description}
			if d.Read != nil {
				view.Value = d.Read()
			}
			indViews = append(indViews, view)
		}
		c.JSON(http.StatusOK, gin.H{"commands": cmdViews, "indicators": indViews})
	})

	ops.POST("/capabilities/commands/:id", func(c *gin.Context) {
		s.runCommand(c, c.Param("id"))
	})
}

func (s *Server) bundles() []bundleView {
	replicants := make(map[string][]string)
	for _, d := range s.conn.Declarations() {
		replicants[d.Name()] = d.Replicants()
	}
	statuses := s.conn.BundleStatuses()
	out := make([]bundleView, 0, len(statuses))
	for _, st := range statuses {
		view := bundleView{
			Bundle:     st.Bundle,
			Range:      st.Range,
			Replicants: replicants[st.Bundle],
			Reported:   st.Reported,
			Verdict:    st.Verdict.String(),
			CheckedAt:  st.CheckedAt,
		}
		if st.Err != nil {
			view.Error = st.Err.Error()
		}
		out = append(out, view)
	}
	return out
}

func (s *Server) handleSend(c *gin.Context) {
	bundle, command := c.Param("bundle"), c.Param("command")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}
	var payload any
	if len(body) > 0 {
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload is not valid json"})
			return
		}
		payload = json.RawMessage(body)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.CommandTimeout)
	defer cancel()
	value, err := s.conn.Send(ctx, command, bundle, payload)
	if err != nil {
		c.JSON(sendStatus(err), gin.H{"error": err.Error()})
		return
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "value": value})
}

func (s *Server) runCommand(c *gin.Context, id string) {
	for _, d := range s.commands() {
		if d.ID != id {
			continue
		}
		if d.Run == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "command has no handler"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.CommandTimeout)
		defer cancel()
		if err := d.Run(ctx); err != nil {
			c.JSON(sendStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "command": id})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, connector.ErrCommandRequired):
		return http.StatusBadRequest
	case errors.Is(err, connector.ErrUnknownBundle):
		return http.StatusNotFound
	case errors.Is(err, connector.ErrBundleUnavailable):
		return http.StatusConflict
	case errors.Is(err, connector.ErrCommandRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, connector.ErrNotConnected), errors.Is(err, connector.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, connector.ErrConnectionLost):
		return http.StatusBadGateway
	case errors.Is(err, connector.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
