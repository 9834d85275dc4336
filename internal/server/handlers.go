package server

import (
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/tradegate/settlement/internal/auth"
	"github.com/tradegate/settlement/internal/chain"
	"github.com/tradegate/settlement/internal/delivery"
	"github.com/tradegate/settlement/internal/dispute"
	"github.com/tradegate/settlement/internal/money"
	"github.com/tradegate/settlement/internal/payment"
	"github.com/tradegate/settlement/internal/settlement"
	"github.com/tradegate/settlement/internal/transaction"
)

type handlers struct {
	svcs Services
}

// --- health ---

func (h *handlers) health(c *gin.Context) {
	status := http.StatusOK
	out := gin.H{"status": "ok"}

	if h.svcs.DB != nil {
		if err := h.svcs.DB.PingContext(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			out["status"] = "degraded"
			out["database"] = err.Error()
		} else {
			out["database"] = "ok"
		}
	}
	if h.svcs.Chain != nil {
		if _, err := h.svcs.Chain.BlockNumber(c.Request.Context()); err != nil {
			// Chain trouble degrades settlement but reads still work.
			out["chain"] = "unavailable"
		} else {
			out["chain"] = "ok"
		}
	}
	c.JSON(status, out)
}

// --- wallets ---

type registerWalletRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *handlers) registerWallet(c *gin.Context) {
	var req registerWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	party := auth.Party(c)
	if party == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller identity required"})
		return
	}
	if err := h.svcs.Wallets.SetWallet(c.Request.Context(), party, req.Address); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"partyId": party, "address": req.Address})
}

// --- transactions ---

type createTransactionRequest struct {
	SupplierID string `json:"supplierId" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	Currency   string `json:"currency" binding:"required"`
}

func (h *handlers) createTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	buyerID := auth.Party(c)
	if buyerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller identity required"})
		return
	}

	t, err := h.svcs.Ledger.Create(c.Request.Context(), transaction.CreateInput{
		BuyerID:    buyerID,
		SupplierID: req.SupplierID,
		Amount:     req.Amount,
		Currency:   money.Currency(req.Currency),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *handlers) listTransactions(c *gin.Context) {
	party := auth.Party(c)
	if auth.Role(c) == auth.RoleAdmin {
		if p := c.Query("party"); p != "" {
			party = p
		}
	}
	ts, err := h.svcs.Ledger.ListByParty(c.Request.Context(), party, 100)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": ts})
}

func (h *handlers) getTransaction(c *gin.Context) {
	t, err := h.loadAuthorized(c)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, t)
}

// transactionStatus is the lightweight polling view: current state,
// on-chain escrow state, and the milestone trail.
func (h *handlers) transactionStatus(c *gin.Context) {
	t, err := h.loadAuthorized(c)
	if err != nil {
		return
	}

	out := gin.H{
		"transactionId": t.ID,
		"reference":     t.Reference,
		"status":        t.Status,
		"milestones":    t.Milestones,
	}
	if t.ResumeStatus != "" {
		out["resumeStatus"] = t.ResumeStatus
	}
	if t.EscrowID != "" {
		escrow := gin.H{"escrowId": t.EscrowID, "txHash": t.EscrowTxHash}
		if id, perr := chain.ParseEscrowID(t.EscrowID); perr == nil {
			if st, serr := h.svcs.Gateway.GetStatus(c.Request.Context(), id); serr == nil {
				escrow["state"] = st.State
				escrow["code"] = st.Code
			}
		}
		out["escrow"] = escrow
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) estimateGas(c *gin.Context) {
	t, err := h.loadAuthorized(c)
	if err != nil {
		return
	}
	action := chain.GasAction(c.DefaultQuery("action", string(chain.ActionCreateEscrow)))

	var escrowID *big.Int
	if t.EscrowID != "" {
		id, perr := chain.ParseEscrowID(t.EscrowID)
		if perr != nil {
			respondError(c, perr)
			return
		}
		escrowID = id
	}

	est, err := h.svcs.Gateway.EstimateGasCost(c.Request.Context(), action,
		common.Address{}, common.Address{}, t.Amount, escrowID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, est)
}

type advanceRequest struct {
	To   string `json:"to" binding:"required"`
	Note string `json:"note"`
}

func (h *handlers) advanceTransaction(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.svcs.Ledger.Advance(c.Request.Context(), c.Param("id"),
		transaction.Status(req.To), callerActor(c), req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) cancelTransaction(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	t, err := h.svcs.Ledger.Advance(c.Request.Context(), c.Param("id"),
		transaction.StatusCancelled, callerActor(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// --- payment ---

func (h *handlers) startPayment(c *gin.Context) {
	intent, err := h.svcs.Payments.StartCollection(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

func (h *handlers) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	if err := h.svcs.Payments.HandleWebhook(c.Request.Context(), payload,
		c.GetHeader("Stripe-Signature")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// --- delivery ---

type confirmDeliveryRequest struct {
	ConditionOK       bool `json:"conditionOk"`
	QuantityMatch     bool `json:"quantityMatch"`
	QualityAcceptable bool `json:"qualityAcceptable"`
}

func (h *handlers) confirmDelivery(c *gin.Context) {
	var req confirmDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, res, err := h.svcs.Delivery.Confirm(c.Request.Context(), c.Param("id"), auth.Party(c),
		delivery.Checklist{
			ConditionOK:       req.ConditionOK,
			QuantityMatch:     req.QuantityMatch,
			QualityAcceptable: req.QualityAcceptable,
		})
	if err != nil {
		// Confirmation may have committed with only the release failing.
		if t != nil {
			c.JSON(http.StatusAccepted, gin.H{
				"transaction": t,
				"release":     gin.H{"error": err.Error()},
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t, "release": res})
}

// --- disputes ---

type fileDisputeRequest struct {
	Reason              string `json:"reason" binding:"required"`
	Description         string `json:"description" binding:"required"`
	RequestedResolution string `json:"requestedResolution"`
	Evidence            []struct {
		Description string `json:"description"`
		URI         string `json:"uri"`
	} `json:"evidence"`
}

func (h *handlers) fileDispute(c *gin.Context) {
	var req fileDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in := dispute.FileInput{
		TransactionID:       c.Param("id"),
		FiledBy:             auth.Party(c),
		Reason:              dispute.Reason(req.Reason),
		Description:         req.Description,
		RequestedResolution: dispute.Resolution(req.RequestedResolution),
	}
	for _, ev := range req.Evidence {
		in.Evidence = append(in.Evidence, dispute.EvidenceInput{
			Description: ev.Description,
			URI:         ev.URI,
		})
	}
	d, err := h.svcs.Disputes.File(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *handlers) listDisputes(c *gin.Context) {
	if _, err := h.loadAuthorized(c); err != nil {
		return
	}
	ds, err := h.svcs.Disputes.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds})
}

func (h *handlers) getDispute(c *gin.Context) {
	d, err := h.svcs.Disputes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type evidenceRequest struct {
	Description string `json:"description" binding:"required"`
	URI         string `json:"uri"`
}

func (h *handlers) addEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.svcs.Disputes.AddEvidence(c.Request.Context(), c.Param("id"), dispute.EvidenceInput{
		SubmittedBy: auth.Party(c),
		Description: req.Description,
		URI:         req.URI,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// --- admin ---

func (h *handlers) openDisputes(c *gin.Context) {
	ds, err := h.svcs.Disputes.ListOpen(c.Request.Context(), 100)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds})
}

func (h *handlers) startReview(c *gin.Context) {
	d, err := h.svcs.Disputes.StartReview(c.Request.Context(), c.Param("id"), auth.Party(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}

func (h *handlers) resolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.svcs.Disputes.Resolve(c.Request.Context(), c.Param("id"), dispute.ResolveInput{
		AdminID:    auth.Party(c),
		Resolution: dispute.Resolution(req.Resolution),
		Note:       req.Note,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handlers) adminOpenEscrow(c *gin.Context) {
	t, err := h.svcs.Coordinator.OpenEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handlers) adminRelease(c *gin.Context) {
	res, err := h.svcs.Coordinator.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) adminRefund(c *gin.Context) {
	res, err := h.svcs.Coordinator.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) attentionQueue(c *gin.Context) {
	ts, err := h.svcs.Ledger.ListNeedingAttention(c.Request.Context(), 100)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": ts})
}

// --- helpers ---

// loadAuthorized fetches the transaction and enforces participant (or
// admin) access. Writes the error response itself on failure.
func (h *handlers) loadAuthorized(c *gin.Context) (*transaction.Transaction, error) {
	t, err := h.svcs.Ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, err
	}
	party := auth.Party(c)
	if auth.Role(c) != auth.RoleAdmin && party != t.BuyerID && party != t.SupplierID {
		err := errors.New("not a participant in this transaction")
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return nil, err
	}
	return t, nil
}

func callerActor(c *gin.Context) transaction.Actor {
	switch auth.Role(c) {
	case auth.RoleAdmin:
		return transaction.ActorAdmin
	case auth.RoleSupplier:
		return transaction.ActorSupplier
	case auth.RoleBuyer:
		return transaction.ActorBuyer
	}
	return transaction.ActorSystem
}

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transaction.ErrNotFound), errors.Is(err, dispute.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transaction.ErrInvalidInput),
		errors.Is(err, dispute.ErrInvalidInput),
		errors.Is(err, dispute.ErrInvalidResolution),
		errors.Is(err, delivery.ErrIncompleteConfirmation),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrUnsupportedCurrency),
		errors.Is(err, money.ErrPrecisionLoss),
		errors.Is(err, payment.ErrSignature),
		errors.Is(err, payment.ErrNoTransaction),
		errors.Is(err, settlement.ErrBadAddress),
		errors.Is(err, settlement.ErrNoWallet):
		status = http.StatusBadRequest
	case errors.Is(err, transaction.ErrUnauthorizedActor),
		errors.Is(err, delivery.ErrNotBuyer),
		errors.Is(err, dispute.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, transaction.ErrInvalidTransition),
		errors.Is(err, transaction.ErrDisputed),
		errors.Is(err, transaction.ErrEscrowAlreadySet),
		errors.Is(err, transaction.ErrConcurrentModification),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, dispute.ErrNotOpen),
		errors.Is(err, settlement.ErrDisputeOpen),
		errors.Is(err, settlement.ErrStateMismatch),
		errors.Is(err, settlement.ErrMissingEscrow):
		status = http.StatusConflict
	case errors.Is(err, chain.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, chain.ErrChainUnavailable),
		errors.Is(err, chain.ErrConfirmationTimeout),
		errors.Is(err, chain.ErrReleaseFailed),
		errors.Is(err, chain.ErrRefundFailed),
		errors.Is(err, chain.ErrEscrowCreationFailed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
