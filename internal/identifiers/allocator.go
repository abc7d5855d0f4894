package identifiers

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
)

const (
	TrackingPrefix         = "sppix_"
	PaymentReferencePrefix = "sppix_py_"

	digitCount = 16
	// DefaultMaxAttempts bounds collision retries before giving up.
	DefaultMaxAttempts = 5
)

var digitSpace = big.NewInt(10)

// ExistsFunc reports whether a candidate identifier is already taken.
type ExistsFunc func(ctx context.Context, candidate string) (bool, error)

// Allocator draws public identifiers from a cryptographic source.
type Allocator struct {
	random      io.Reader
	maxAttempts int
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithRandom swaps the entropy source.
func WithRandom(r io.Reader) Option {
	return func(a *Allocator) { a.random = r }
}

// WithMaxAttempts overrides the retry bound.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{random: rand.Reader, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MaxAttempts is the number of draws attempted before RESOURCE_EXHAUSTED.
func (a *Allocator) MaxAttempts() int {
	return a.maxAttempts
}

// NewTrackingID draws one candidate without checking for collisions.
func (a *Allocator) NewTrackingID() (string, error) {
	return a.draw(TrackingPrefix)
}

// AllocateTrackingID returns a tracking id that exists reports as free.
func (a *Allocator) AllocateTrackingID(ctx context.Context, exists ExistsFunc) (string, error) {
	return a.allocate(ctx, TrackingPrefix, exists)
}

// AllocatePaymentReference returns a legacy-shaped payment reference.
func (a *Allocator) AllocatePaymentReference(ctx context.Context, exists ExistsFunc) (string, error) {
	return a.allocate(ctx, PaymentReferencePrefix, exists)
}

func (a *Allocator) allocate(ctx context.Context, prefix string, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		candidate, err := a.draw(prefix)
		if err != nil {
			return "", err
		}
		if exists == nil {
			return candidate, nil
		}
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check identifier collision")
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", Exhausted(prefix, a.maxAttempts)
}

// Exhausted is the error returned once every draw collided.
func Exhausted(prefix string, attempts int) error {
	return pkgerrors.New(pkgerrors.CodeResourceExhausted,
		fmt.Sprintf("could not allocate a free %s identifier after %d attempts", prefix, attempts))
}

func (a *Allocator) draw(prefix string) (string, error) {
	buf := make([]byte, 0, len(prefix)+digitCount)
	buf = append(buf, prefix...)
	for i := 0; i < digitCount; i++ {
		n, err := rand.Int(a.random, digitSpace)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read random digits")
		}
		buf = append(buf, byte('0'+n.Int64()))
	}
	return string(buf), nil
}

// OrderNumber formats ORD-YYYYMMDD-NNNNNN from the creation date and the
// database-assigned key. Keys beyond six digits are rendered in full.
func OrderNumber(createdAt time.Time, orderKey uint64) string {
	return fmt.Sprintf("ORD-%s-%06d", createdAt.UTC().Format("20060102"), orderKey)
}
