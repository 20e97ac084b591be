package session

import "cyconnect/internal/domain"

// Route is the screen group the navigation layer should show
type Route string

const (
	RouteLoading     Route = "loading"
	RouteSignIn      Route = "signin"
	RouteVerifyEmail Route = "verify_email"
	RouteHome        Route = "home"
)

// RouteFor maps an auth state to the gate decision. Where a verified user
// goes after Home is left to the caller.
func RouteFor(st domain.AuthState) Route {
	switch {
	case !st.Ready:
		return RouteLoading
	case st.LoggedIn():
		return RouteHome
	case st.NeedsVerification():
		return RouteVerifyEmail
	default:
		return RouteSignIn
	}
}
