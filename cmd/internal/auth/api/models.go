package authapi

import (
	"gearhub/cmd/identity"
	"gearhub/cmd/internal/auth/session"
	"gearhub/cmd/internal/profile"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type updatePasswordRequest struct {
	Password string `json:"password"`
}

// sessionResponse mirrors session.State. Credentials never leave the manager.
type sessionResponse struct {
	Phase       session.Phase      `json:"phase"`
	Generation  uint64             `json:"generation"`
	User        *identity.Identity `json:"user,omitempty"`
	Profile     *profile.Profile   `json:"profile,omitempty"`
	Analytics   *profile.Analytics `json:"analytics,omitempty"`
	UnreadCount int                `json:"unread_count"`
}

type signUpResponse struct {
	SignedIn             bool            `json:"signed_in"`
	ConfirmationRequired bool            `json:"confirmation_required"`
	Session              sessionResponse `json:"session"`
}

type pushResponse struct {
	OK bool `json:"ok"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func toSessionResponse(st session.State) sessionResponse {
	return sessionResponse{
		Phase:       st.Phase,
		Generation:  st.Generation,
		User:        st.Identity,
		Profile:     st.Profile,
		Analytics:   st.Analytics,
		UnreadCount: st.UnreadCount,
	}
}
