package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/dukerupert/togetha/internal/auth"
	"github.com/dukerupert/togetha/internal/model"
)

// TokenVerifier checks an ID token and returns the identity it was issued to.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*model.Identity, error)
}

// ProfileReader reads profile documents.
type ProfileReader interface {
	Get(ctx context.Context, uid string) (*model.Profile, error)
}

// MemberReader resolves a user's role within a family. It returns "" when
// the user has no member entry there.
type MemberReader interface {
	MemberRole(ctx context.Context, familyID, uid string) (model.Role, error)
}

// bearerToken reads the token from the Authorization header, or from the
// token query parameter for WebSocket upgrades where browsers cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// RequireToken validates the caller's ID token and populates AuthContext
// from the token and the caller's profile. The role comes from the member
// entry of the profile's family, which is where create and join record it.
func RequireToken(verifier TokenVerifier, profiles ProfileReader, members MemberReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			id, err := verifier.VerifyToken(r.Context(), token)
			if err != nil || id == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ac := auth.AuthContext{UID: id.UID, Email: id.Email}
			profile, err := profiles.Get(r.Context(), id.UID)
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if profile != nil {
				ac.Role = string(profile.Role)
				if profile.FamilyID != nil {
					ac.FamilyID = *profile.FamilyID
				}
			}
			if ac.FamilyID != "" {
				role, err := members.MemberRole(r.Context(), ac.FamilyID, id.UID)
				if err != nil {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if role != "" {
					ac.Role = string(role)
				}
			}

			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireFamily rejects callers that do not belong to a family.
func RequireFamily(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.FamilyID(r.Context()) == "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin checks that the authenticated user has the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
