package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"intentbook/gateway/middleware"
	"intentbook/native/common"
)

type adminDepositRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleAdminDeposit(w http.ResponseWriter, r *http.Request) {
	var req adminDepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := s.book.DepositFor(req.User, req.Asset, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("operator deposit",
		slog.String("operator", middleware.Subject(r.Context())),
		slog.String("user", req.User),
		slog.String("asset", common.NormalizeAsset(req.Asset)),
		slog.String("amount", amount.String()))
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   req.User,
		"asset":   common.NormalizeAsset(req.Asset),
		"balance": amountString(s.book.Balance(req.User, req.Asset)),
	})
}

type heightRequest struct {
	Height uint64 `json:"height"`
}

func (s *Server) handleSetHeight(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Heights == nil {
		writeError(w, http.StatusNotFound, "finalized heights are managed by the remote light client")
		return
	}
	chain, ok := parseChain(w, chi.URLParam(r, "chain"))
	if !ok {
		return
	}
	var req heightRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if current := s.cfg.Heights.FinalizedHeight(chain); req.Height < current {
		writeError(w, http.StatusConflict, fmt.Sprintf("finalized height cannot move back from %d", current))
		return
	}
	s.cfg.Heights.SetFinalizedHeight(chain, req.Height)
	writeJSON(w, http.StatusOK, map[string]any{"chain": chain, "height": req.Height})
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		module := strings.ToLower(chi.URLParam(r, "module"))
		if !common.KnownModule(module) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown module %q", module))
			return
		}
		s.cfg.Pauses.Set(module, paused)
		s.logger.Warn("module pause changed",
			slog.String("operator", middleware.Subject(r.Context())),
			slog.String("module", module),
			slog.Bool("paused", paused))
		writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": paused})
	}
}

type auditView struct {
	Asset       string `json:"asset"`
	Balances    string `json:"balances"`
	OpenEscrow  string `json:"openEscrow"`
	LegEscrow   string `json:"legEscrow"`
	Deposits    string `json:"deposits"`
	Withdrawals string `json:"withdrawals"`
	Balanced    bool   `json:"balanced"`
}

func (s *Server) handleAudit(w http.ResponseWriter, _ *http.Request) {
	audits := s.book.Audit()
	out := make([]auditView, 0, len(audits))
	for _, a := range audits {
		out = append(out, auditView{
			Asset:       a.Asset,
			Balances:    amountString(a.Balances),
			OpenEscrow:  amountString(a.OpenEscrow),
			LegEscrow:   amountString(a.LegEscrow),
			Deposits:    amountString(a.Deposits),
			Withdrawals: amountString(a.Withdrawals),
			Balanced:    a.Balanced(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out})
}
