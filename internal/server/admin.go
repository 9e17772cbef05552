package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gatebox-dev/gatebox/internal/config"
	"github.com/gatebox-dev/gatebox/internal/policy"
	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/internal/store"
)

// policyView is the admin representation of the active policy.
type policyView struct {
	Name     string         `json:"name"`
	Source   string         `json:"source"`
	LoadedAt time.Time      `json:"loaded_at"`
	Config   map[string]any `json:"config,omitempty"`
}

func newPolicyView(inst *policy.Instance) policyView {
	return policyView{
		Name:     inst.Name,
		Source:   inst.Source,
		LoadedAt: inst.LoadedAt,
		Config:   inst.Config,
	}
}

// handleGetPolicy serves GET /api/policy.
func (s *Server) handleGetPolicy(c *gin.Context) {
	inst := s.policies.Active()
	if inst == nil {
		verr := &protocol.ValidationError{Message: "no active policy"}
		c.JSON(http.StatusNotFound, protocol.NewErrorResponse(verr))
		return
	}
	c.JSON(http.StatusOK, newPolicyView(inst))
}

type policySwapRequest struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

// handlePutPolicy serves PUT /api/policy. The replacement is built before the
// swap so a bad name or config never unseats the running policy.
func (s *Server) handlePutPolicy(c *gin.Context) {
	var req policySwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		verr := &protocol.ValidationError{Message: "invalid policy request: " + err.Error()}
		c.JSON(protocol.HTTPStatus(verr), protocol.NewErrorResponse(verr))
		return
	}
	if req.Name == "" {
		verr := &protocol.ValidationError{Message: "policy name is required"}
		c.JSON(protocol.HTTPStatus(verr), protocol.NewErrorResponse(verr))
		return
	}
	if _, err := policy.NewInstance(req.Name, req.Config, policy.SourceAdmin); err != nil {
		verr := &protocol.ValidationError{Message: err.Error()}
		c.JSON(protocol.HTTPStatus(verr), protocol.NewErrorResponse(verr))
		return
	}

	if s.config.GetPolicy().Source == config.PolicySourceStore {
		// Persist, then reload through the store so a restart agrees with
		// what is running.
		var rawConfig string
		if len(req.Config) > 0 {
			raw, err := json.Marshal(req.Config)
			if err != nil {
				ierr := &protocol.InternalError{Err: err}
				c.JSON(protocol.HTTPStatus(ierr), protocol.NewErrorResponse(ierr))
				return
			}
			rawConfig = string(raw)
		}
		if err := s.db.Policies.Save(&store.PolicyRow{
			Name:    req.Name,
			Config:  rawConfig,
			Enabled: true,
		}); err != nil {
			ierr := &protocol.InternalError{Err: err}
			c.JSON(protocol.HTTPStatus(ierr), protocol.NewErrorResponse(ierr))
			return
		}
		if err := s.policies.Reload(); err != nil {
			ierr := &protocol.InternalError{Err: err}
			c.JSON(protocol.HTTPStatus(ierr), protocol.NewErrorResponse(ierr))
			return
		}
	} else {
		if _, err := s.policies.Swap(req.Name, req.Config, policy.SourceAdmin); err != nil {
			ierr := &protocol.InternalError{Err: err}
			c.JSON(protocol.HTTPStatus(ierr), protocol.NewErrorResponse(ierr))
			return
		}
	}

	c.JSON(http.StatusOK, newPolicyView(s.policies.Active()))
}

// handleListTransactions serves GET /api/transactions.
func (s *Server) handleListTransactions(c *gin.Context) {
	limit := 50
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			verr := &protocol.ValidationError{Message: "invalid limit: " + q}
			c.JSON(protocol.HTTPStatus(verr), protocol.NewErrorResponse(verr))
			return
		}
		limit = n
	}

	rows, err := s.db.Transactions.List(limit)
	if err != nil {
		ierr := &protocol.InternalError{Err: err}
		c.JSON(protocol.HTTPStatus(ierr), protocol.NewErrorResponse(ierr))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": rows,
		"count":        len(rows),
	})
}

// recordView renders a stored record with its payload as raw JSON rather
// than a double-encoded string.
type recordView struct {
	Sequence   int64           `json:"sequence"`
	RecordType string          `json:"record_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// handleTransactionRecords serves GET /api/transactions/:id/records.
func (s *Server) handleTransactionRecords(c *gin.Context) {
	txID := c.Param("id")
	if _, err := s.db.Transactions.Get(txID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			verr := &protocol.ValidationError{Message: "unknown transaction: " + txID}
			c.JSON(http.StatusNotFound, protocol.NewErrorResponse(verr))
			return
		}
		ierr := &protocol.InternalError{Err: err}
		c.JSON(protocol.HTTPStatus(ierr), protocol.NewErrorResponse(ierr))
		return
	}

	rows, err := s.db.Records.ListByTransaction(txID)
	if err != nil {
		ierr := &protocol.InternalError{Err: err}
		c.JSON(protocol.HTTPStatus(ierr), protocol.NewErrorResponse(ierr))
		return
	}
	views := make([]recordView, 0, len(rows))
	for _, row := range rows {
		views = append(views, recordView{
			Sequence:   row.Sequence,
			RecordType: row.RecordType,
			Payload:    json.RawMessage(row.Payload),
			CreatedAt:  row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id": txID,
		"records":        views,
	})
}

// handleVersion serves GET /api/version.
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":  s.version,
		"policies": policy.Names(),
	})
}

// handleHealth serves GET /health. Unauthenticated so load balancers can
// probe it.
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.HealthCheck(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
	})
}
