package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/ethescrow/internal/contract"
	"github.com/mbd888/ethescrow/internal/gateway"
	"github.com/mbd888/ethescrow/internal/journal"
	"github.com/mbd888/ethescrow/internal/lifecycle"
	"github.com/mbd888/ethescrow/internal/logging"
	"github.com/mbd888/ethescrow/internal/role"
	"github.com/mbd888/ethescrow/internal/session"
	"github.com/mbd888/ethescrow/internal/signer"
	"github.com/mbd888/ethescrow/internal/validation"
)

// SessionResponse is the body of GET /v1/session.
type SessionResponse struct {
	lifecycle.Snapshot
	Accounts []string `json:"accounts"`
	Block    uint64   `json:"block"`
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) getSession(c *gin.Context) {
	resp := SessionResponse{
		Snapshot: s.lifecycle.Snapshot(),
		Block:    s.session.Account().Block,
	}
	accts, err := s.session.Signer().Accounts(c.Request.Context())
	if err == nil {
		for _, a := range accts {
			resp.Accounts = append(resp.Accounts, a.Hex())
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) setAccount(c *gin.Context) {
	var req addressRequest
	if !bindAddress(c, &req) {
		return
	}
	if err := s.lifecycle.SetAccount(c.Request.Context(), common.HexToAddress(req.Address)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

func (s *Server) createContract(c *gin.Context) {
	if !s.lifecycle.CreateNewContract() {
		s.writeError(c, lifecycle.ErrInvalidPhase)
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

// submitAction deploys or approves for the active account. The form is
// checked before anything is accepted. By default the action then runs in
// the background and the caller follows it on /ws; ?wait=true blocks until
// it settles.
func (s *Server) submitAction(c *gin.Context) {
	var form lifecycle.Form
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&form); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "body must be JSON {beneficiary, arbiter, value}",
			})
			return
		}
	}

	snap := s.lifecycle.Snapshot()
	switch {
	case snap.Phase == lifecycle.PhaseDrafting && snap.NextAction == role.ActionDeploy:
		if err := lifecycle.ValidateForm(form); err != nil {
			s.writeError(c, err)
			return
		}
	case snap.Phase == lifecycle.PhaseDeployed && snap.NextAction == role.ActionApprove:
	case snap.Phase == lifecycle.PhaseDeployed:
		s.writeError(c, lifecycle.ErrNoAction)
		return
	default:
		s.writeError(c, lifecycle.ErrInvalidPhase)
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		if err := s.lifecycle.SubmitAction(c.Request.Context(), form); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s.lifecycle.Snapshot())
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	s.actions.Add(1)
	go func() {
		defer s.actions.Done()
		if err := s.lifecycle.SubmitAction(ctx, form); err != nil {
			logging.L(ctx).Warn("escrow action failed", "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, s.lifecycle.Snapshot())
}

func (s *Server) loadContract(c *gin.Context) {
	var req addressRequest
	if !bindAddress(c, &req) {
		return
	}
	if err := s.lifecycle.Load(c.Request.Context(), common.HexToAddress(req.Address)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

func (s *Server) recheck(c *gin.Context) {
	approved, err := s.lifecycle.Recheck(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"approved": approved,
		"snapshot": s.lifecycle.Snapshot(),
	})
}

func (s *Server) reset(c *gin.Context) {
	if err := s.lifecycle.Reset(); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

func (s *Server) listEscrows(c *gin.Context) {
	account := c.Query("account")
	if account != "" && !validation.IsValidEthAddress(account) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "account must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	page, err := journal.ListPage(c.Request.Context(), s.journal, account, limit, c.Query("cursor"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) getEscrow(c *gin.Context) {
	rec, err := s.journal.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func bindAddress(c *gin.Context, req *addressRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil || !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return false
	}
	return true
}

// writeError maps package errors to JSON {error, message} responses.
// Transaction failures also carry the snapshot the lifecycle settled in.
func (s *Server) writeError(c *gin.Context, err error) {
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "validation_failed",
			"field":   verr.Field,
			"message": verr.Message,
		})
		return
	}

	code, kind := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, lifecycle.ErrInFlight):
		code, kind = http.StatusConflict, "in_flight"
	case errors.Is(err, lifecycle.ErrInvalidPhase):
		code, kind = http.StatusConflict, "invalid_phase"
	case errors.Is(err, lifecycle.ErrNoAction):
		code, kind = http.StatusConflict, "no_action"
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrNoAccountGranted):
		code, kind = http.StatusConflict, "not_connected"
	case errors.Is(err, signer.ErrUnknownAccount):
		code, kind = http.StatusForbidden, "unknown_account"
	case errors.Is(err, contract.ErrNotEscrow):
		code, kind = http.StatusUnprocessableEntity, "not_escrow"
	case errors.Is(err, journal.ErrNotFound):
		code, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, journal.ErrUnavailable):
		code, kind = http.StatusServiceUnavailable, "journal_unavailable"
	case errors.Is(err, gateway.ErrEventTimeout):
		c.JSON(http.StatusAccepted, gin.H{
			"error":    string(lifecycle.KindEventTimeout),
			"message":  err.Error(),
			"snapshot": s.lifecycle.Snapshot(),
		})
		return
	case errors.Is(err, gateway.ErrSubmissionRejected),
		errors.Is(err, gateway.ErrTransactionReverted),
		errors.Is(err, gateway.ErrConfirmationTimeout):
		snap := s.lifecycle.Snapshot()
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    string(snap.ErrorKind),
			"message":  err.Error(),
			"snapshot": snap,
		})
		return
	}

	if code == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
	}
	c.JSON(code, gin.H{"error": kind, "message": err.Error()})
}
