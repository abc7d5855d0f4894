package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
)

type lineInput struct {
	ProductID uint64 `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1"`
}

type orderInput struct {
	Email string      `json:"email" validate:"required,email"`
	Items []lineInput `json:"items" validate:"required,dive"`
}

func decode(t *testing.T, body string) (orderInput, error) {
	t.Helper()
	var dest orderInput
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	err := DecodeJSONBody(httptest.NewRecorder(), req, &dest)
	return dest, err
}

func details(t *testing.T, err error) map[string]string {
	t.Helper()
	appErr := pkgerrors.As(err)
	if appErr == nil || appErr.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	d, _ := appErr.Details().(map[string]string)
	return d
}

func TestDecodeJSONBodyAcceptsValidInput(t *testing.T) {
	got, err := decode(t, `{"email":"a@b.com","items":[{"product_id":3,"quantity":2}]}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Quantity != 2 {
		t.Fatalf("unexpected decode result %+v", got)
	}
}

func TestDecodeJSONBodyReportsNestedFields(t *testing.T) {
	_, err := decode(t, `{"email":"nope","items":[{"product_id":3,"quantity":0}]}`)
	d := details(t, err)
	if d["email"] != "must be a valid email" {
		t.Fatalf("unexpected email detail %q", d["email"])
	}
	if d["items[0].quantity"] != "must be at least 1" {
		t.Fatalf("unexpected quantity detail %v", d)
	}
}

func TestDecodeJSONBodyRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"unknown field": `{"email":"a@b.com","items":[],"coupon":"X"}`,
		"trailing data": `{"email":"a@b.com","items":[]} {}`,
		"empty":         ``,
		"wrong type":    `{"email":"a@b.com","items":[{"product_id":"three","quantity":1}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(t, body)
			if !pkgerrors.Is(err, pkgerrors.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDecodeJSONBodyCapsSize(t *testing.T) {
	big := `{"email":"` + strings.Repeat("a", MaxBodyBytes) + `@b.com","items":[]}`
	_, err := decode(t, big)
	if !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  Zoë\x00 Smith\n ", 0); got != "Zoë Smith" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
	if got := SanitizeString("ééééé", 3); got != "ééé" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=20&offset=x&page=500", nil)
	if v, err := ParseQueryInt(req, "limit", 50, 1, 100); err != nil || v != 20 {
		t.Fatalf("limit: %d %v", v, err)
	}
	if v, err := ParseQueryInt(req, "missing", 50, 1, 100); err != nil || v != 50 {
		t.Fatalf("default: %d %v", v, err)
	}
	if _, err := ParseQueryInt(req, "offset", 0, 0, 10); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for non-numeric, got %v", err)
	}
	if _, err := ParseQueryInt(req, "page", 1, 1, 100); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for range, got %v", err)
	}
}
