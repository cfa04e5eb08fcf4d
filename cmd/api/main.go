package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fundLedger/pkg/config"
	"github.com/mcclellann/fundLedger/pkg/errs"
	"github.com/mcclellann/fundLedger/pkg/fees"
	"github.com/mcclellann/fundLedger/pkg/ledger"
	"github.com/mcclellann/fundLedger/pkg/loans"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/mcclellann/fundLedger/pkg/sweeper"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Upstream authentication sets these headers on every request it forwards.
const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

// Server adapts HTTP requests to ledger engine operations.
type Server struct {
	ledger  *ledger.Ledger
	loans   *loans.Manager
	fees    *fees.Manager
	sweeper *sweeper.Sweeper
	storage store.Storage // Keep a reference to the storage to close it
	now     func() time.Time
}

func NewServer(s store.Storage, cfg *config.Config) (*Server, error) {
	feeManager, err := fees.NewManager(s, fees.StoreDirectory{Storage: s}, cfg.MonthlyFee, cfg.FeeDueDay)
	if err != nil {
		return nil, err
	}
	return &Server{
		ledger:  ledger.NewLedger(s),
		loans:   loans.NewManager(s),
		fees:    feeManager,
		sweeper: sweeper.New(s),
		storage: s,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/loans", s.requestLoanHandler).Methods("POST")
	router.HandleFunc("/loans", s.treasurerOnly(s.listLoansHandler)).Methods("GET")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/approve", s.treasurerOnly(s.approveLoanHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/reject", s.treasurerOnly(s.rejectLoanHandler)).Methods("POST")
	router.HandleFunc("/installments/{id}/confirm", s.treasurerOnly(s.confirmInstallmentHandler)).Methods("POST")

	router.HandleFunc("/members/{id}", s.treasurerOnly(s.upsertMemberHandler)).Methods("PUT")
	router.HandleFunc("/members/{id}/loan-stats", s.loanStatsHandler).Methods("GET")
	router.HandleFunc("/members/{id}/fees", s.memberFeesHandler).Methods("GET")
	router.HandleFunc("/members/{id}/payment-status", s.paymentStatusHandler).Methods("GET")

	router.HandleFunc("/fees/generate", s.treasurerOnly(s.generateFeesHandler)).Methods("POST")
	router.HandleFunc("/fees/{id}/confirm", s.treasurerOnly(s.confirmFeeHandler)).Methods("POST")

	router.HandleFunc("/fund/balance", s.balanceHandler).Methods("GET")
	router.HandleFunc("/fund/stats", s.treasurerOnly(s.periodStatsHandler)).Methods("GET")
	router.HandleFunc("/fund/transactions", s.treasurerOnly(s.listTransactionsHandler)).Methods("GET")
	router.HandleFunc("/fund/transactions", s.treasurerOnly(s.recordTransactionHandler)).Methods("POST")

	router.HandleFunc("/sweep", s.treasurerOnly(s.sweepHandler)).Methods("POST")
	return router
}

type actorKey struct{}

func actorFromRequest(r *http.Request) (models.Actor, bool) {
	id, err := uuid.Parse(r.Header.Get(headerActorID))
	if err != nil || id == uuid.Nil {
		return models.Actor{}, false
	}
	role := models.Role(r.Header.Get(headerActorRole))
	switch role {
	case models.RoleMember, models.RoleTreasurer, models.RoleAdmin:
	default:
		return models.Actor{}, false
	}
	return models.Actor{ID: id, Role: role}, true
}

func actor(r *http.Request) models.Actor {
	a, _ := r.Context().Value(actorKey{}).(models.Actor)
	return a
}

// withActor rejects requests that arrive without an upstream identity.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := actorFromRequest(r)
		if !ok {
			http.Error(w, "Missing or invalid actor identity", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, a)))
	})
}

func (s *Server) treasurerOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a := actor(r); a.Role != models.RoleTreasurer && a.Role != models.RoleAdmin {
			http.Error(w, "Treasurer role required", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

// selfOrTreasurer lets members read only their own records.
func selfOrTreasurer(r *http.Request, memberID uuid.UUID) bool {
	a := actor(r)
	return a.ID == memberID || a.Role == models.RoleTreasurer || a.Role == models.RoleAdmin
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v\n", err)
	}
}

// writeError maps engine failures to status codes, keeping the specific message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict, errs.KindState:
		status = http.StatusConflict
	case errs.KindInsufficientFunds:
		status = http.StatusUnprocessableEntity
	case errs.KindStore:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		log.Printf("Request failed: %v\n", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(errs.KindOf(err))})
}

func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid "+what+" ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates.
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}

func (s *Server) requestLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount            decimal.Decimal `json:"amount"`
		Reason            string          `json:"reason"`
		TotalInstallments int             `json:"total_installments"`
	}
	if !decode(w, r, &req) {
		return
	}

	loan, err := s.loans.RequestLoan(r.Context(), loans.Request{
		MemberID:          actor(r).ID,
		Amount:            req.Amount,
		Reason:            req.Reason,
		TotalInstallments: req.TotalInstallments,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.loans.ListLoans(r.Context(), models.LoanStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	// Installment status is only as fresh as the last sweep.
	if _, err := s.sweeper.SweepOverdueInstallments(r.Context(), s.now()); err != nil {
		writeError(w, err)
		return
	}

	detail, err := s.loans.GetLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !selfOrTreasurer(r, detail.Loan.MemberID) {
		http.Error(w, "Loan not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	var req struct {
		StartDate string `json:"start_date"`
	}
	if !decode(w, r, &req) {
		return
	}
	var start time.Time
	if req.StartDate != "" {
		var err error
		if start, err = parseDate(req.StartDate); err != nil {
			http.Error(w, "Invalid start_date", http.StatusBadRequest)
			return
		}
	}

	detail, err := s.loans.ApproveLoan(r.Context(), actor(r).ID, loanID, start)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if !decode(w, r, &req) {
		return
	}

	loan, err := s.loans.RejectLoan(r.Context(), actor(r).ID, loanID, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) confirmInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	installmentID, ok := pathID(w, r, "installment")
	if !ok {
		return
	}
	var req struct {
		PaymentMethod string `json:"payment_method"`
		Notes         string `json:"notes"`
	}
	if !decode(w, r, &req) {
		return
	}

	res, err := s.loans.ConfirmInstallmentPayment(r.Context(), actor(r).ID, installmentID, req.PaymentMethod, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) upsertMemberHandler(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "member")
	if !ok {
		return
	}
	var m models.Member
	if !decode(w, r, &m) {
		return
	}
	m.ID = memberID
	switch {
	case m.Role != models.RoleMember && m.Role != models.RoleTreasurer && m.Role != models.RoleAdmin:
		http.Error(w, "Invalid role", http.StatusBadRequest)
		return
	case m.Status != models.MemberStatusActive && m.Status != models.MemberStatusInactive:
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	err := s.storage.Update(r.Context(), "members.upsert", func(tx store.Tx) error {
		return tx.UpsertMember(r.Context(), &m)
	})
	if err != nil {
		writeError(w, errs.Store("members.upsert", err))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) loanStatsHandler(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "member")
	if !ok {
		return
	}
	if !selfOrTreasurer(r, memberID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	stats, err := s.loans.LoanStats(r.Context(), memberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) memberFeesHandler(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "member")
	if !ok {
		return
	}
	if !selfOrTreasurer(r, memberID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if _, err := s.sweeper.SweepOverdueFees(r.Context(), s.now()); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.fees.MemberFees(r.Context(), memberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) paymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "member")
	if !ok {
		return
	}
	if !selfOrTreasurer(r, memberID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if _, err := s.sweeper.SweepOverdueFees(r.Context(), s.now()); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.fees.MemberPaymentStatus(r.Context(), memberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) generateFeesHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Month string `json:"month"` // YYYY-MM, defaults to the current month
	}
	if !decode(w, r, &req) {
		return
	}
	month := s.now()
	if req.Month != "" {
		var err error
		if month, err = time.Parse("2006-01", req.Month); err != nil {
			http.Error(w, "Invalid month, expected YYYY-MM", http.StatusBadRequest)
			return
		}
	}

	run, err := s.fees.GenerateMonthlyFees(r.Context(), month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) confirmFeeHandler(w http.ResponseWriter, r *http.Request) {
	feeID, ok := pathID(w, r, "fee")
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if !decode(w, r, &req) {
		return
	}

	res, err := s.fees.ConfirmFeePayment(r.Context(), actor(r).ID, feeID, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Balance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance})
}

// periodFromQuery reads from/to, defaulting to the current calendar month.
func (s *Server) periodFromQuery(r *http.Request) (time.Time, time.Time, error) {
	now := s.now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseDate(v); err != nil {
			return from, to, err
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = parseDate(v); err != nil {
			return from, to, err
		}
	}
	return from, to, nil
}

func (s *Server) periodStatsHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.periodFromQuery(r)
	if err != nil {
		http.Error(w, "Invalid from/to date", http.StatusBadRequest)
		return
	}
	stats, err := s.ledger.PeriodStats(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.periodFromQuery(r)
	if err != nil {
		http.Error(w, "Invalid from/to date", http.StatusBadRequest)
		return
	}
	txs, err := s.ledger.Transactions(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) recordTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        models.TransactionType `json:"type"`
		Amount      decimal.Decimal        `json:"amount"`
		Description string                 `json:"description"`
		ReferenceID *uuid.UUID             `json:"reference_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	ft, err := s.ledger.Record(r.Context(), actor(r).ID, ledger.Entry{
		Type:        req.Type,
		Amount:      req.Amount,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ft)
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.SweepAll(r.Context(), s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ledgerStore, err := store.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize ledger store: %v", err)
	}
	defer ledgerStore.Close()

	server, err := NewServer(ledgerStore, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           withActor(server.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server starting on :%s\n", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Overdue status is a projection of time; keep it reasonably fresh between requests.
		if err := server.sweeper.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server stopped with error: %v", err)
	}
}
