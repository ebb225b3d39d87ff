package models

import (
	"time"
)

// Role represents user roles in the system
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// User represents a dashboard user in the system
type User struct {
	ID           string     `bson:"_id" json:"id"`
	Username     string     `bson:"username" json:"username"`
	Email        string     `bson:"email" json:"email"`
	PasswordHash string     `bson:"password_hash" json:"-"`
	Role         Role       `bson:"role" json:"role"`
	IsActive     bool       `bson:"is_active" json:"is_active"`
	LastLogin    *time.Time `bson:"last_login,omitempty" json:"last_login,omitempty"`
	CreatedAt    time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at" json:"updated_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// LoginResponse represents a successful login response
type LoginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Exp      int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a user has permission for a specific action
func (u *User) HasPermission(action string) bool {
	switch u.Role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action == "view_vehicles" || action == "view_routes" ||
			action == "create_vehicle" || action == "update_vehicle" ||
			action == "toggle_vehicle" || action == "delete_vehicle" ||
			action == "assign_vehicle"
	case RoleViewer:
		return action == "view_vehicles" || action == "view_routes"
	default:
		return false
	}
}
