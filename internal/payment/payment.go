// Package payment collects the buyer's fiat payment through Stripe and
// hands the transaction to the escrow coordinator once funds arrive.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/money"
	"github.com/tradegate/settlement/internal/transaction"
)

var (
	// ErrSignature means the webhook payload failed signature
	// verification and must be discarded.
	ErrSignature = errors.New("payment: webhook signature verification failed")

	// ErrNoTransaction means the payment event carries no transaction
	// reference we recognize.
	ErrNoTransaction = errors.New("payment: event has no transaction metadata")
)

// metadataKey is the PaymentIntent metadata field carrying our
// transaction id through Stripe and back.
const metadataKey = "transaction_id"

// Opener moves a paid transaction into escrow.
type Opener interface {
	OpenEscrow(ctx context.Context, transactionID string) (*transaction.Transaction, error)
}

// Service drives the fiat payment leg.
type Service struct {
	ledger        *transaction.Ledger
	opener        Opener
	webhookSecret string
}

// NewService wires the payment service. The Stripe API key is set
// process-wide by the caller.
func NewService(ledger *transaction.Ledger, opener Opener, webhookSecret string) *Service {
	return &Service{
		ledger:        ledger,
		opener:        opener,
		webhookSecret: webhookSecret,
	}
}

// Intent is the client-facing slice of a created PaymentIntent.
type Intent struct {
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"` // minor units
	Currency     string `json:"currency"`
}

// StartCollection creates a PaymentIntent for the transaction's full
// amount and moves it to payment_pending. The amount is converted to
// minor units exactly; sub-cent amounts are rejected upstream.
func (s *Service) StartCollection(ctx context.Context, transactionID string) (*Intent, error) {
	t, err := s.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.Status != transaction.StatusInitiated {
		return nil, fmt.Errorf("%w: payment collection requires initiated (in %s)",
			transaction.ErrInvalidTransition, t.Status)
	}

	units, err := money.ToUnits(t.Amount, 2)
	if err != nil {
		return nil, err
	}
	minor := units.Int64()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(stripeCurrency(t.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata(metadataKey, t.ID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	if _, err := s.ledger.Advance(ctx, t.ID, transaction.StatusPaymentPending,
		transaction.ActorSystem, "payment intent "+pi.ID+" created"); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("payment collection started",
		"transaction_id", t.ID,
		"intent_id", pi.ID,
		"amount_minor", minor,
		"currency", t.Currency)
	return &Intent{
		IntentID:     pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       minor,
		Currency:     string(pi.Currency),
	}, nil
}

// HandleWebhook verifies and applies a Stripe event. Success moves the
// transaction to payment_received and opens the escrow; escrow failure
// does not fail the webhook, the coordinator retries via the API.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	switch event.Type {
	case "payment_intent.succeeded":
		return s.handleSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		return s.handleFailed(ctx, event)
	default:
		logging.L(ctx).Debug("ignoring stripe event", "type", event.Type)
		return nil
	}
}

func (s *Service) handleSucceeded(ctx context.Context, event stripe.Event) error {
	transactionID, err := eventTransactionID(event)
	if err != nil {
		return err
	}

	if _, err := s.ledger.Advance(ctx, transactionID, transaction.StatusPaymentReceived,
		transaction.ActorSystem, "payment received via stripe"); err != nil {
		// Replayed webhooks land here once the transaction moved on.
		if errors.Is(err, transaction.ErrInvalidTransition) {
			logging.L(ctx).Warn("ignoring replayed payment event",
				"transaction_id", transactionID, "error", err)
			return nil
		}
		return err
	}

	if _, err := s.opener.OpenEscrow(ctx, transactionID); err != nil {
		logging.L(ctx).Error("payment received but escrow opening failed; retry via API",
			"transaction_id", transactionID, "error", err)
	}
	return nil
}

func (s *Service) handleFailed(ctx context.Context, event stripe.Event) error {
	transactionID, err := eventTransactionID(event)
	if err != nil {
		return err
	}
	// The intent stays reusable; the transaction waits in
	// payment_pending for another attempt.
	logging.L(ctx).Warn("payment attempt failed", "transaction_id", transactionID)
	return nil
}

func eventTransactionID(event stripe.Event) (string, error) {
	var intent struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return "", fmt.Errorf("decode event payload: %w", err)
	}
	id := intent.Metadata[metadataKey]
	if id == "" {
		return "", ErrNoTransaction
	}
	return id, nil
}

func stripeCurrency(c money.Currency) string {
	switch c {
	case money.USD:
		return string(stripe.CurrencyUSD)
	case money.EUR:
		return string(stripe.CurrencyEUR)
	case money.GBP:
		return string(stripe.CurrencyGBP)
	}
	return string(stripe.CurrencyUSD)
}
