package devprovider

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cyconnect/internal/domain"
	"cyconnect/internal/middleware"
	"cyconnect/internal/provider"
	"cyconnect/pkg/logger"
)

const maxBodyBytes = 1 << 20

type authBody struct {
	Token *string             `json:"token"`
	User  *domain.UserProfile `json:"user"`
}

type sessionBody struct {
	Session sessionInfo         `json:"session"`
	User    *domain.UserProfile `json:"user"`
}

type sessionInfo struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type verifyBody struct {
	Status bool                `json:"status"`
	Token  string              `json:"token"`
	User   *domain.UserProfile `json:"user"`
}

type successBody struct {
	Success bool `json:"success"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "cyconnect-devprovider",
	})
}

// getSession answers null for any missing, invalid or revoked token
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	token := middleware.BearerToken(r)
	if token == "" {
		s.writeJSON(w, r, http.StatusOK, nil)
		return
	}
	claims, err := s.tokens.Parse(r.Context(), token)
	if err != nil {
		log.WithError(err).Debug("Session token rejected")
		s.writeJSON(w, r, http.StatusOK, nil)
		return
	}
	user, err := s.accounts.ByID(claims.Subject)
	if err != nil {
		log.WithField("user_id", claims.Subject).Debug("Session for unknown account")
		s.writeJSON(w, r, http.StatusOK, nil)
		return
	}

	s.writeJSON(w, r, http.StatusOK, sessionBody{
		Session: sessionInfo{Token: token, UserID: user.ID, ExpiresAt: claims.ExpiresAt.Time},
		User:    &user,
	})
}

func (s *Server) signUpEmail(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		s.writeError(w, r, http.StatusBadRequest, provider.CodeValidation, "Email and password are required")
		return
	}

	user, err := s.accounts.Create(req.Name, req.Email, req.Password)
	if stderrors.Is(err, errAccountExists) {
		s.writeError(w, r, http.StatusUnprocessableEntity, provider.CodeUserAlreadyExists, "User already exists")
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to create account")
		s.writeError(w, r, http.StatusInternalServerError, "", "Failed to create account")
		return
	}
	log.WithField("email", domain.MaskEmail(user.Email)).Info("Account created")

	// A failed first code is not fatal: the client can ask for another.
	if err := s.issueCode(r, user.Email); err != nil {
		log.WithError(err).Warn("Failed to send sign-up verification code")
	}

	s.writeJSON(w, r, http.StatusOK, authBody{User: &user})
}

func (s *Server) signInEmail(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	user, err := s.accounts.Authenticate(req.Email, req.Password)
	if err != nil {
		log.WithField("email", domain.MaskEmail(req.Email)).Info("Sign-in rejected")
		s.writeError(w, r, http.StatusUnauthorized, provider.CodeInvalidEmailOrPassword, "Invalid email or password")
		return
	}
	if !user.EmailVerified {
		s.writeError(w, r, http.StatusForbidden, provider.CodeEmailNotVerified, "Email not verified")
		return
	}

	s.respondWithSession(w, r, user)
}

// signInSocial trusts any JWT-shaped ID token that names an email. The
// development provider has no OAuth client secrets to verify signatures with.
func (s *Server) signInSocial(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	var req struct {
		Provider string           `json:"provider"`
		IDToken  provider.IDToken `json:"idToken"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Provider == "" || req.IDToken.Token == "" {
		s.writeError(w, r, http.StatusBadRequest, provider.CodeValidation, "Provider and ID token are required")
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(req.IDToken.Token, claims); err != nil {
		log.WithError(err).WithField("provider", req.Provider).Info("Unreadable social ID token")
		s.writeError(w, r, http.StatusUnauthorized, provider.CodeInvalidToken, "Invalid ID token")
		return
	}
	email, _ := claims["email"].(string)
	if email == "" {
		s.writeError(w, r, http.StatusUnauthorized, provider.CodeInvalidToken, "ID token has no email")
		return
	}
	if nonce, _ := claims["nonce"].(string); req.IDToken.Nonce != "" && nonce != req.IDToken.Nonce {
		s.writeError(w, r, http.StatusUnauthorized, provider.CodeInvalidToken, "ID token nonce mismatch")
		return
	}
	name, _ := claims["name"].(string)

	user := s.accounts.UpsertSocial(name, email)
	log.WithFields(map[string]interface{}{
		"provider": req.Provider,
		"email":    domain.MaskEmail(user.Email),
	}).Info("Social sign-in")
	s.respondWithSession(w, r, user)
}

func (s *Server) sendVerificationOTP(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	var req struct {
		Email string `json:"email"`
		Type  string `json:"type"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Type != provider.OTPTypeEmailVerification {
		s.writeError(w, r, http.StatusBadRequest, provider.CodeValidation, "Unsupported OTP type")
		return
	}

	// Unknown addresses get the same answer so accounts can't be enumerated.
	if _, err := s.accounts.ByEmail(req.Email); err != nil {
		s.writeJSON(w, r, http.StatusOK, successBody{Success: true})
		return
	}

	err := s.issueCode(r, req.Email)
	if stderrors.Is(err, errTooManySends) {
		s.writeError(w, r, http.StatusTooManyRequests, provider.CodeTooManyRequests, "Too many requests. Please try again later.")
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to issue verification code")
		s.writeError(w, r, http.StatusInternalServerError, "", "Failed to send verification code")
		return
	}
	s.writeJSON(w, r, http.StatusOK, successBody{Success: true})
}

func (s *Server) verifyEmail(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	var req struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if _, err := s.accounts.ByEmail(req.Email); err != nil {
		s.writeError(w, r, http.StatusBadRequest, provider.CodeUserNotFound, "User not found")
		return
	}

	switch err := s.codes.Check(r.Context(), req.Email, req.OTP); {
	case err == nil:
	case stderrors.Is(err, errCodeExpired):
		s.writeError(w, r, http.StatusBadRequest, provider.CodeOTPExpired, "OTP expired")
		return
	case stderrors.Is(err, errCodeInvalid):
		s.writeError(w, r, http.StatusBadRequest, provider.CodeInvalidOTP, "Invalid OTP")
		return
	case stderrors.Is(err, errTooManyAttempts):
		s.writeError(w, r, http.StatusForbidden, provider.CodeTooManyAttempts, "Too many attempts")
		return
	default:
		log.WithError(err).Error("Failed to check verification code")
		s.writeError(w, r, http.StatusInternalServerError, "", "Failed to verify email")
		return
	}

	user, err := s.accounts.MarkVerified(req.Email)
	if err != nil {
		log.WithError(err).Error("Failed to mark account verified")
		s.writeError(w, r, http.StatusInternalServerError, "", "Failed to verify email")
		return
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		log.WithError(err).Error("Failed to issue session token")
		s.writeError(w, r, http.StatusInternalServerError, "", "Failed to verify email")
		return
	}
	log.WithField("email", domain.MaskEmail(user.Email)).Info("Email verified")

	w.Header().Set(provider.HeaderSetAuthToken, token)
	s.writeJSON(w, r, http.StatusOK, verifyBody{Status: true, Token: token, User: &user})
}

// signOut always succeeds; a valid token is revoked on the way
func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	if token := middleware.BearerToken(r); token != "" {
		claims, err := s.tokens.Parse(r.Context(), token)
		if err == nil {
			if err := s.tokens.Revoke(r.Context(), claims); err != nil {
				log.WithError(err).Error("Failed to revoke session token")
				s.writeError(w, r, http.StatusInternalServerError, "", "Failed to sign out")
				return
			}
			log.WithField("user_id", claims.Subject).Info("Signed out")
		}
	}
	s.writeJSON(w, r, http.StatusOK, successBody{Success: true})
}

func (s *Server) issueCode(r *http.Request, email string) error {
	code, err := s.codes.Issue(r.Context(), email)
	if err != nil {
		return err
	}
	return s.mailer.SendCode(r.Context(), normalizeEmail(email), code)
}

func (s *Server) respondWithSession(w http.ResponseWriter, r *http.Request, user domain.UserProfile) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.requestLogger(r).WithError(err).Error("Failed to issue session token")
		s.writeError(w, r, http.StatusInternalServerError, "", "Failed to create session")
		return
	}
	w.Header().Set(provider.HeaderSetAuthToken, token)
	s.writeJSON(w, r, http.StatusOK, authBody{Token: &token, User: &user})
}

func (s *Server) requestLogger(r *http.Request) *logger.Logger {
	return s.logger.WithField("request_id", middleware.GetRequestID(r.Context()))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, provider.CodeValidation, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.requestLogger(r).WithError(err).Error("Failed to encode response")
	}
}

// writeError writes the {code, message} error body clients classify on
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, r, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
