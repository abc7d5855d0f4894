package controllers

import (
	"net/http"

	"github.com/sppix/storefront-backend/api/responses"
	"github.com/sppix/storefront-backend/pkg/auth"
)

func PublicPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{"scope": "public", "status": "ok"})
	}
}

func AdminPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who := auth.FromContext(r.Context())
		responses.WriteSuccess(w, map[string]any{
			"scope":        "admin",
			"status":       "ok",
			"user_id":      who.UserID,
			"is_superuser": who.IsSuperuser,
		})
	}
}
