// Package httpapi is the HTTP facade over the credit ledger and the CV
// optimization pipeline. All authorization, token parsing, collaborator
// signature checks, and timeout policy live here; the core packages stay
// transport-free.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cvbien/backend/internal/checkout"
	"github.com/cvbien/backend/internal/docs"
	"github.com/cvbien/backend/internal/optimizer"
	"github.com/cvbien/backend/internal/render"
	"github.com/cvbien/backend/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyLength = 1 << 20

// CheckoutClient opens checkout sessions and verifies webhook events.
type CheckoutClient interface {
	CreateSession(ctx context.Context, request checkout.SessionRequest) (checkout.Session, error)
	ParseEvent(body []byte, signatureHeader string) (checkout.Event, error)
}

// Optimizer rewrites CV text against a job description.
type Optimizer interface {
	Optimize(ctx context.Context, cvText string, jobDescription string) (optimizer.Result, error)
}

// PDFRenderer prints a document to PDF bytes.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, document render.Document) ([]byte, error)
}

// Dependencies carries everything the facade needs.
type Dependencies struct {
	Logger     *zap.Logger
	Service    *ledger.Service
	Reconciler *ledger.Reconciler
	Documents  docs.Store
	Checkout   CheckoutClient
	Optimizer  Optimizer
	Renderer   PDFRenderer
}

// Run boots the HTTP facade and blocks until ctx is cancelled or the
// server fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("httpapi config: %w", err)
	}
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("httpapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires the gin engine. Exposed separately so tests can drive
// the handlers through httptest.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("httpapi config: %w", err)
	}
	if deps.Logger == nil || deps.Service == nil || deps.Reconciler == nil || deps.Documents == nil {
		return nil, errors.New("httpapi: logger, service, reconciler, and documents are required")
	}

	handler := &httpHandler{
		logger:     deps.Logger,
		cfg:        cfg,
		service:    deps.Service,
		reconciler: deps.Reconciler,
		documents:  deps.Documents,
		checkout:   deps.Checkout,
		optimizer:  deps.Optimizer,
		renderer:   deps.Renderer,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The webhook authenticates through its signature, not a bearer token.
	router.POST("/api/payment/webhook", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))

	api.GET("/user/credits", handler.handleCredits)
	api.GET("/user/ledger", handler.handleLedgerEntries)
	api.POST("/user/consume-credits", handler.handleConsumeCredits)
	api.GET("/user/documents", handler.handleListDocuments)
	api.POST("/payment/create-session", handler.handleCreateSession)
	api.POST("/optimize-cv", handler.handleOptimizeCV)
	api.GET("/documents/:id/pdf", handler.handleDocumentPDF)

	return router, nil
}

type httpHandler struct {
	logger     *zap.Logger
	cfg        Config
	service    *ledger.Service
	reconciler *ledger.Reconciler
	documents  docs.Store
	checkout   CheckoutClient
	optimizer  Optimizer
	renderer   PDFRenderer
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, creditsPayload{Credits: balance})
}

func (handler *httpHandler) handleLedgerEntries(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	entries, err := handler.service.ListEntries(requestCtx, accountID, 0, defaultLedgerHistoryLimit)
	if err != nil {
		handler.logger.Error("ledger list failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "history unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID,
			Delta:          entry.Delta,
			Reason:         entry.Reason.String(),
			ExternalRef:    entry.ExternalRef,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleConsumeCredits(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Amount == 0 {
		request.Amount = 1
	}
	amount, err := ledger.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a positive integer"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Debit(requestCtx, accountID, amount, ledger.ReasonConsumption, "")
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		handler.respondInsufficient(ctx, requestCtx, accountID)
		return
	}
	if err != nil {
		handler.logger.Error("debit failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "debit failed"))
		return
	}
	ctx.JSON(http.StatusOK, creditsPayload{Credits: balance})
}

func (handler *httpHandler) handleCreateSession(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request createSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	creditsRequested, err := ledger.NewCreditAmount(request.CreditsRequested)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "credits_requested must be a positive integer"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	pending, err := handler.reconciler.CreatePending(requestCtx, accountID, creditsRequested)
	if err != nil {
		handler.logger.Error("create pending payment failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "could not create payment"))
		return
	}

	session, err := handler.checkout.CreateSession(requestCtx, checkout.SessionRequest{
		PaymentRef:       pending.PaymentRef,
		AccountID:        accountID.String(),
		CreditsRequested: pending.CreditsRequested,
		AmountCents:      handler.cfg.PriceCents(pending.CreditsRequested),
		Description:      fmt.Sprintf("%d CV credits", pending.CreditsRequested),
	})
	if err != nil {
		// The pending row stays behind in created and ages out through
		// the expiry sweep.
		handler.logger.Error("checkout session failed", zap.String("payment_ref", pending.PaymentRef), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("checkout_error", "payment processor unavailable"))
		return
	}

	ctx.JSON(http.StatusOK, createSessionPayload{
		PaymentRef:  pending.PaymentRef,
		SessionID:   session.SessionID,
		CheckoutURL: session.CheckoutURL,
	})
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyLength))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := handler.checkout.ParseEvent(body, ctx.GetHeader(webhookSignatureHeaderName))
	if err != nil {
		handler.logger.Warn("webhook rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "webhook verification failed"))
		return
	}
	if !event.Completed() {
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	paymentRef, err := ledger.NewPaymentRef(event.PaymentRef)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "missing payment_ref metadata"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.reconciler.Confirm(requestCtx, paymentRef)
	if errors.Is(err, ledger.ErrUnknownPayment) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_payment", "no pending payment for reference"))
		return
	}
	if err != nil {
		handler.logger.Error("payment confirm failed", zap.String("payment_ref", paymentRef.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "confirmation failed"))
		return
	}
	ctx.JSON(http.StatusOK, webhookPayload{
		Status:         "ok",
		CreditsGranted: result.CreditsGranted,
		AlreadyApplied: result.AlreadyApplied,
	})
}

func (handler *httpHandler) handleOptimizeCV(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request optimizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.CVText == "" || request.JobDescription == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "cv_text and job_description are required"))
		return
	}

	debitCtx, cancelDebit := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancelDebit()

	amount, _ := ledger.NewCreditAmount(1)
	balance, err := handler.service.Debit(debitCtx, accountID, amount, ledger.ReasonConsumption, "")
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		handler.respondInsufficient(ctx, debitCtx, accountID)
		return
	}
	if err != nil {
		handler.logger.Error("debit failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "debit failed"))
		return
	}

	optimizeCtx, cancelOptimize := context.WithTimeout(ctx.Request.Context(), handler.cfg.OptimizeTimeout)
	defer cancelOptimize()

	result, err := handler.optimizer.Optimize(optimizeCtx, request.CVText, request.JobDescription)
	if err != nil {
		handler.refundCredit(ctx.Request.Context(), accountID)
		handler.logger.Error("optimization failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("optimizer_error", "optimization failed, credit refunded"))
		return
	}

	metadata, _ := json.Marshal(map[string]string{"model": result.Model})
	persistCtx, cancelPersist := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancelPersist()

	document, err := handler.documents.InsertDocument(persistCtx, docs.Document{
		AccountID:      accountID.String(),
		Title:          documentTitle(request.Title),
		OriginalText:   request.CVText,
		JobDescription: request.JobDescription,
		OptimizedText:  result.OptimizedText,
		ATSScore:       result.ATSScore,
		MetadataJSON:   string(metadata),
	})
	if err != nil {
		handler.refundCredit(ctx.Request.Context(), accountID)
		handler.logger.Error("document persist failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "could not store document, credit refunded"))
		return
	}

	ctx.JSON(http.StatusOK, optimizePayload{
		DocumentID:    document.DocumentID,
		OptimizedText: result.OptimizedText,
		ATSScore:      result.ATSScore,
		Credits:       balance,
	})
}

func (handler *httpHandler) handleListDocuments(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	documents, err := handler.documents.ListDocuments(requestCtx, accountID.String(), defaultDocumentListLimit)
	if err != nil {
		handler.logger.Error("document list failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "documents unavailable"))
		return
	}
	payload := make([]documentPayload, 0, len(documents))
	for _, document := range documents {
		payload = append(payload, documentPayload{
			DocumentID:     document.DocumentID,
			Title:          document.Title,
			ATSScore:       document.ATSScore,
			CreatedUnixUTC: document.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"documents": payload})
}

func (handler *httpHandler) handleDocumentPDF(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	document, err := handler.documents.GetDocument(requestCtx, accountID.String(), ctx.Param("id"))
	if errors.Is(err, docs.ErrUnknownDocument) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_document", "no such document"))
		return
	}
	if err != nil {
		handler.logger.Error("document fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "document unavailable"))
		return
	}

	renderCtx, cancelRender := context.WithTimeout(ctx.Request.Context(), handler.cfg.OptimizeTimeout)
	defer cancelRender()

	pdf, err := handler.renderer.RenderPDF(renderCtx, render.Document{
		Title:    document.Title,
		Text:     document.OptimizedText,
		ATSScore: document.ATSScore,
	})
	if err != nil {
		handler.logger.Error("pdf render failed", zap.String("document_id", document.DocumentID), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("render_error", "pdf rendering failed"))
		return
	}
	ctx.Data(http.StatusOK, "application/pdf", pdf)
}

// respondInsufficient reports the insufficient-funds outcome together
// with the balance the caller still holds.
func (handler *httpHandler) respondInsufficient(ctx *gin.Context, requestCtx context.Context, accountID ledger.AccountID) {
	balance, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusBadRequest, gin.H{
		"error": gin.H{
			"code":    "insufficient_credits",
			"message": "not enough credits",
		},
		"credits": balance,
	})
}

// refundCredit returns the debited credit after a failed optimization.
// Best effort: a failure here is logged and the ledger keeps the debit.
func (handler *httpHandler) refundCredit(ctx context.Context, accountID ledger.AccountID) {
	refundCtx, cancel := context.WithTimeout(ctx, handler.cfg.RequestTimeout)
	defer cancel()
	amount, _ := ledger.NewCreditAmount(1)
	if _, err := handler.service.Credit(refundCtx, accountID, amount, ledger.ReasonRefund, ""); err != nil {
		handler.logger.Error("refund failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

func (handler *httpHandler) accountID(ctx *gin.Context) (ledger.AccountID, bool) {
	accountID, err := ledger.NewAccountID(getAccountID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return ledger.AccountID{}, false
	}
	return accountID, true
}

func documentTitle(raw string) string {
	if raw == "" {
		return "Optimized CV"
	}
	return raw
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

type createSessionRequest struct {
	CreditsRequested int64 `json:"credits_requested"`
}

type optimizeRequest struct {
	Title          string `json:"title"`
	CVText         string `json:"cv_text"`
	JobDescription string `json:"job_description"`
}

type creditsPayload struct {
	Credits int64 `json:"credits"`
}

type createSessionPayload struct {
	PaymentRef  string `json:"payment_ref"`
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

type webhookPayload struct {
	Status         string `json:"status"`
	CreditsGranted int64  `json:"credits_granted"`
	AlreadyApplied bool   `json:"already_applied"`
}

type optimizePayload struct {
	DocumentID    string `json:"document_id"`
	OptimizedText string `json:"optimized_text"`
	ATSScore      int    `json:"ats_score"`
	Credits       int64  `json:"credits"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Delta          int64  `json:"delta"`
	Reason         string `json:"reason"`
	ExternalRef    string `json:"external_ref,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type documentPayload struct {
	DocumentID     string `json:"document_id"`
	Title          string `json:"title"`
	ATSScore       int    `json:"ats_score"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
