// Package gateway serves the payment provider surfaces: the signed callback
// and the session lookup the confirmation page polls.
package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sppix/storefront-backend/api/responses"
	internalorders "github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/internal/reconciliation"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
)

// SignatureHeader carries the callback signature. The provider's own header
// name is accepted as a fallback.
const (
	SignatureHeader         = "X-Signature"
	fallbackSignatureHeader = "Stripe-Signature"
	maxCallbackBytes        = 1 << 20
)

// Reconciler is the reconciliation surface used by these handlers.
type Reconciler interface {
	OnCallback(ctx context.Context, rawBody []byte, signature string) (*reconciliation.CallbackResult, error)
	RefreshFromSession(ctx context.Context, sessionID string) (*reconciliation.SessionSummary, error)
}

// Callback verifies and applies a provider event. Anything other than a 200
// makes the provider retry, so only signature and payload failures are
// reported as client errors.
func Callback(svc Reconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInvalidPayload, err, "read request body"))
			return
		}

		signature := strings.TrimSpace(r.Header.Get(SignatureHeader))
		if signature == "" {
			signature = strings.TrimSpace(r.Header.Get(fallbackSignatureHeader))
		}

		result, err := svc.OnCallback(ctx, payload, signature)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"event_id": result.EventID,
				"kind":     result.Kind,
				"outcome":  result.Outcome,
			}), "gateway.callback_handled")
		}
		responses.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

type sessionResponse struct {
	Processing    bool                      `json:"processing"`
	SessionID     string                    `json:"session_id"`
	PaymentStatus string                    `json:"payment_status"`
	AmountTotal   string                    `json:"amount_total"`
	Currency      string                    `json:"currency"`
	CustomerEmail string                    `json:"customer_email,omitempty"`
	CustomerName  string                    `json:"customer_name,omitempty"`
	Order         *internalorders.OrderView `json:"order,omitempty"`
	CheckedAt     time.Time                 `json:"checked_at"`
}

// Session pulls the provider's view of a checkout session, settles the order
// when the provider already reports it paid, and answers 404 with
// processing=true while payment is still pending.
func Session(svc Reconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))

		summary, err := svc.RefreshFromSession(ctx, sessionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		resp := sessionResponse{
			Processing:    summary.Processing,
			SessionID:     sessionID,
			PaymentStatus: summary.PaymentStatus,
			AmountTotal:   minorToString(summary.AmountTotal),
			Currency:      summary.Currency,
			CustomerEmail: summary.Customer.Email,
			CustomerName:  summary.Customer.Name,
			CheckedAt:     time.Now().UTC(),
		}
		if summary.Order != nil {
			view := internalorders.NewOrderView(summary.Order)
			resp.Order = &view
		}

		status := http.StatusOK
		if summary.Processing {
			status = http.StatusNotFound
		}
		responses.WriteSuccessStatus(w, status, resp)
	}
}

func minorToString(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}
