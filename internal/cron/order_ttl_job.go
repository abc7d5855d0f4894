package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/internal/reconciliation"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
)

const (
	orderTTLJobName   = "order-ttl"
	defaultOrderTTL   = 25 * time.Hour
	defaultReapBatch  = 100
	abandonedReason   = "abandoned checkout"
	outcomeCancelled  = "cancelled"
	outcomeReconciled = "reconciled"
	outcomeSkipped    = "skipped"
	outcomeFailed     = "failed"
	outcomeHeld       = "held"
)

var reaperActor = orders.Actor{UserID: "order-ttl", System: true}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type abandonedOrderReader interface {
	ListAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type sessionRefresher interface {
	RefreshFromSession(ctx context.Context, sessionID string) (*reconciliation.SessionSummary, error)
}

type orderCanceller interface {
	Cancel(ctx context.Context, orderID uint64, actor orders.Actor, reason string) (*orders.Result, error)
}

// OrderTTLJobParams configure the abandoned-order reaper.
type OrderTTLJobParams struct {
	Logger   *logger.Logger
	Reader   abandonedOrderReader
	Sessions sessionRefresher
	Orders   orderCanceller
	Metrics  *metrics.CronJobMetrics
	TTL      time.Duration
	Batch    int
}

// NewOrderTTLJob builds the job that closes out orders whose checkout was
// abandoned. Each candidate's provider session is checked first so a payment
// that was never reported still lands.
func NewOrderTTLJob(params OrderTTLJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reader == nil {
		return nil, fmt.Errorf("abandoned order reader required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("session refresher required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders service required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultOrderTTL
	}
	batch := params.Batch
	if batch <= 0 {
		batch = defaultReapBatch
	}
	return &orderTTLJob{
		logg:     params.Logger,
		reader:   params.Reader,
		sessions: params.Sessions,
		orders:   params.Orders,
		metrics:  params.Metrics,
		ttl:      ttl,
		batch:    batch,
		now:      time.Now,
	}, nil
}

type orderTTLJob struct {
	logg     *logger.Logger
	reader   abandonedOrderReader
	sessions sessionRefresher
	orders   orderCanceller
	metrics  *metrics.CronJobMetrics
	ttl      time.Duration
	batch    int
	now      func() time.Time
}

func (j *orderTTLJob) Name() string { return orderTTLJobName }

func (j *orderTTLJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.ttl)
	candidates, err := j.reader.ListAbandoned(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query abandoned orders: %w", err)
	}

	counts := map[string]int{}
	var errs error
	for i := range candidates {
		order := &candidates[i]
		outcome, err := j.reap(ctx, order)
		counts[outcome]++
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("order %d: %w", order.ID, err))
		}
	}
	for outcome, n := range counts {
		j.metrics.AddItems(orderTTLJobName, outcome, n)
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":     cutoff,
		"candidates": len(candidates),
		"cancelled":  counts[outcomeCancelled],
		"reconciled": counts[outcomeReconciled],
		"skipped":    counts[outcomeSkipped],
		"failed":     counts[outcomeFailed],
		"held":       counts[outcomeHeld],
	}), "order ttl loop complete")
	return errs
}

func (j *orderTTLJob) reap(ctx context.Context, order *models.Order) (string, error) {
	ctx = j.logg.WithOrderID(ctx, order.ID)

	if order.GatewaySessionID != nil && *order.GatewaySessionID != "" {
		summary, err := j.sessions.RefreshFromSession(ctx, *order.GatewaySessionID)
		switch {
		case err == nil:
			if summary.Order != nil && summary.Order.PaymentState == enums.PaymentStatePaid {
				j.logg.Info(ctx, "order ttl reconciled late payment")
				return outcomeReconciled, nil
			}
			if summary.PaymentStatus == gateway.SessionPaid {
				// the customer paid but the order refused it; stock stays reserved
				j.logg.Error(j.logg.WithFields(ctx, map[string]any{
					"session_id":    *order.GatewaySessionID,
					"payment_state": order.PaymentState,
				}), "order ttl holding order with paid session",
					pkgerrors.New(pkgerrors.CodeStateConflict, "provider session is paid but the order is not"))
				return outcomeHeld, nil
			}
		case pkgerrors.Is(err, pkgerrors.CodeNotFound):
			// The provider no longer knows the session; nothing can still pay it.
		default:
			return outcomeFailed, fmt.Errorf("refresh session: %w", err)
		}
	}

	res, err := j.orders.Cancel(ctx, order.ID, reaperActor, abandonedReason)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeInvalidTransition) {
			return outcomeSkipped, nil
		}
		return outcomeFailed, fmt.Errorf("cancel: %w", err)
	}
	if !res.Changed {
		return outcomeSkipped, nil
	}
	return outcomeCancelled, nil
}
