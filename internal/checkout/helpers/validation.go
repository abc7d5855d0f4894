package helpers

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"

	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
)

var validate = validator.New()

// NormalizeEmail trims and validates an addr-spec.
func NormalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "customer email is required").
			WithDetails(map[string]string{"customer_email": "is required"})
	}
	if err := validate.Var(email, "email"); err != nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "customer email is invalid").
			WithDetails(map[string]string{"customer_email": "must be a valid email"})
	}
	return email, nil
}

// NormalizePhone parses an optional phone number against the default region
// and returns it in E.164. An empty input stays empty.
func NormalizePhone(raw, region string) (string, error) {
	phone := strings.TrimSpace(raw)
	if phone == "" {
		return "", nil
	}
	if region == "" {
		region = "GB"
	}
	parsed, err := libphonenumber.Parse(phone, strings.ToUpper(region))
	if err != nil || !libphonenumber.IsValidNumber(parsed) {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "customer phone is invalid").
			WithDetails(map[string]string{"customer_phone": "must be a valid phone number"})
	}
	return libphonenumber.Format(parsed, libphonenumber.E164), nil
}

const moneyScale = 2

// ValidateMoney rejects negative amounts and amounts finer than a minor
// unit, naming the offending field.
func ValidateMoney(fields map[string]decimal.Decimal) error {
	details := map[string]string{}
	for name, amount := range fields {
		switch {
		case amount.IsNegative():
			details[name] = "must not be negative"
		case !amount.Equal(amount.Round(moneyScale)):
			details[name] = "must have at most 2 decimal places"
		}
	}
	if len(details) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "monetary amounts are invalid").WithDetails(details)
	}
	return nil
}
