package validators

import (
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
)

// ParseQueryInt reads an integer query parameter, answering VALIDATION when it
// is not numeric or falls outside [min, max]. Absent parameters yield def.
func ParseQueryInt(r *http.Request, key string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, key+" must be a whole number").
			WithDetails(map[string]any{"field": key, "value": raw})
	}
	if value < min || value > max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, key+" is out of range").
			WithDetails(map[string]any{"field": key, "min": min, "max": max})
	}
	return value, nil
}
