package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/auth"
	"github.com/ukydev/vehicle-tracking/internal/db"
	"github.com/ukydev/vehicle-tracking/internal/middleware"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

// AuthHandler handles authentication requests
type AuthHandler struct {
	authService    *auth.Service
	userCollection db.UserCollection
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(authService *auth.Service, userCollection db.UserCollection) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		userCollection: userCollection,
	}
}

// issue builds a login response with a fresh token pair.
func (h *AuthHandler) issue(user *models.User) (*models.LoginResponse, error) {
	token, expiresAt, err := h.authService.GenerateToken(user)
	if err != nil {
		return nil, err
	}
	refreshToken, err := h.authService.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	return &models.LoginResponse{
		Token:        token,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.Unix(),
		User:         *user,
	}, nil
}

// currentUser loads the account behind the request's bearer token.
func (h *AuthHandler) currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return nil, false
	}
	user, err := h.userCollection.FindUserByID(r.Context(), claims.UserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return nil, false
	}
	return user, true
}

// Login handles user login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds models.LoginRequest
	if err := readJSON(r, &creds); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if creds.Username == "" || creds.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.userCollection.FindUserByUsername(r.Context(), creds.Username)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.WithError(err).Error("Failed to look up user")
		}
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if !user.IsActive {
		http.Error(w, "Account is deactivated", http.StatusUnauthorized)
		return
	}
	if !h.authService.CheckPassword(creds.Password, user.PasswordHash) {
		log.WithField("username", creds.Username).Warn("Failed login attempt")
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	response, err := h.issue(user)
	if err != nil {
		log.WithError(err).Error("Failed to generate token")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	if err := h.userCollection.UpdateLastLogin(r.Context(), user.ID); err != nil {
		log.WithError(err).WithField("user_id", user.ID).Warn("Failed to update last login")
	}

	writeJSON(w, http.StatusOK, response)
}

// checkRegistration normalizes req and reports the first invalid field.
// New accounts default to the operator role.
func (h *AuthHandler) checkRegistration(req *models.RegisterRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Role == "" {
		req.Role = models.RoleOperator
	}
	if err := h.authService.ValidateUsername(req.Username); err != nil {
		return err
	}
	if err := h.authService.ValidateEmail(req.Email); err != nil {
		return err
	}
	if err := h.authService.ValidatePassword(req.Password); err != nil {
		return err
	}
	if !models.IsValidRole(req.Role) {
		return errors.New("invalid role")
	}
	return nil
}

// Register creates an account and signs it in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.checkRegistration(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.userCollection.FindUserByUsername(r.Context(), req.Username); err == nil {
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	}
	if _, err := h.userCollection.FindUserByEmail(r.Context(), req.Email); err == nil {
		http.Error(w, "Email already exists", http.StatusConflict)
		return
	}

	hash, err := h.authService.HashPassword(req.Password)
	if err != nil {
		log.WithError(err).Error("Failed to hash password")
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	user := models.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = h.userCollection.InsertUser(r.Context(), user)
	if errors.Is(err, db.ErrDuplicate) {
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to create user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}
	log.WithFields(log.Fields{"user_id": user.ID, "role": user.Role}).Info("User registered")

	response, err := h.issue(&user)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, response)
}

// GetProfile returns the current user's profile
func (h *AuthHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if user, ok := h.currentUser(w, r); ok {
		writeJSON(w, http.StatusOK, user)
	}
}

// UpdateProfile updates the current user's email address
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := readJSON(r, &body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	if email := strings.TrimSpace(body.Email); email != "" && email != user.Email {
		if err := h.authService.ValidateEmail(email); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if other, err := h.userCollection.FindUserByEmail(r.Context(), email); err == nil && other.ID != user.ID {
			http.Error(w, "Email already exists", http.StatusConflict)
			return
		}
		user.Email = email
	}
	user.UpdatedAt = time.Now().UTC()

	if err := h.userCollection.UpdateUser(r.Context(), user.ID, *user); err != nil {
		http.Error(w, "Failed to update user", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Profile updated successfully"})
}

// ChangePassword changes the current user's password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if err := readJSON(r, &body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if body.Current == "" || body.New == "" {
		http.Error(w, "Current password and new password are required", http.StatusBadRequest)
		return
	}
	if err := h.authService.ValidatePassword(body.New); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	if !h.authService.CheckPassword(body.Current, user.PasswordHash) {
		http.Error(w, "Current password is incorrect", http.StatusUnauthorized)
		return
	}

	hash, err := h.authService.HashPassword(body.New)
	if err != nil {
		log.WithError(err).Error("Failed to hash password")
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now().UTC()
	if err := h.userCollection.UpdateUser(r.Context(), user.ID, *user); err != nil {
		http.Error(w, "Failed to update password", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}
