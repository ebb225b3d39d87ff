package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/vehicle-tracking/internal/auth"
	"github.com/ukydev/vehicle-tracking/internal/db"
	"github.com/ukydev/vehicle-tracking/internal/middleware"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

// MockUserCollection is a mock implementation of UserCollection
type MockUserCollection struct {
	mock.Mock
}

func (m *MockUserCollection) InsertUser(ctx context.Context, user models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserCollection) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserCollection) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserCollection) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserCollection) UpdateUser(ctx context.Context, id string, user models.User) error {
	args := m.Called(ctx, id, user)
	return args.Error(0)
}

func (m *MockUserCollection) DeleteUser(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockUserCollection) UpdateLastLogin(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func asUser(req *http.Request, id string, role models.Role) *http.Request {
	claims := &models.Claims{UserID: id, Username: id, Role: role}
	return req.WithContext(middleware.WithUser(req.Context(), claims))
}

func testAuthService() *auth.Service {
	return auth.NewServiceWith("handler-test-secret", time.Hour)
}

func TestAuthHandler_Login(t *testing.T) {
	authService := testAuthService()
	passwordHash, err := authService.HashPassword("password123")
	require.NoError(t, err)

	t.Run("successful login", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{
			ID:           "user-1",
			Username:     "testuser",
			Email:        "test@example.com",
			PasswordHash: passwordHash,
			Role:         models.RoleOperator,
			IsActive:     true,
		}
		mockUserCollection.On("FindUserByUsername", mock.Anything, "testuser").Return(user, nil)
		mockUserCollection.On("UpdateLastLogin", mock.Anything, "user-1").Return(nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, models.LoginRequest{Username: "testuser", Password: "password123"}))
		w := httptest.NewRecorder()
		handler.Login(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var response models.LoginResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.NotEmpty(t, response.Token)
		assert.NotEmpty(t, response.RefreshToken)
		assert.Greater(t, response.ExpiresAt, time.Now().Unix())
		assert.Equal(t, user.Username, response.User.Username)
		assert.NotContains(t, w.Body.String(), passwordHash)

		claims, err := authService.ValidateToken(response.Token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)

		mockUserCollection.AssertExpectations(t)
	})

	t.Run("last login failure does not fail the login", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{ID: "user-1", Username: "testuser", PasswordHash: passwordHash, IsActive: true}
		mockUserCollection.On("FindUserByUsername", mock.Anything, "testuser").Return(user, nil)
		mockUserCollection.On("UpdateLastLogin", mock.Anything, "user-1").Return(assert.AnError)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, models.LoginRequest{Username: "testuser", Password: "password123"})))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{ID: "user-1", Username: "testuser", PasswordHash: passwordHash, IsActive: true}
		mockUserCollection.On("FindUserByUsername", mock.Anything, "testuser").Return(user, nil)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, models.LoginRequest{Username: "testuser", Password: "wrongpassword"})))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("unknown user", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		mockUserCollection.On("FindUserByUsername", mock.Anything, "ghost").Return(nil, db.ErrNotFound)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, models.LoginRequest{Username: "ghost", Password: "password123"})))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("inactive user", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{ID: "user-1", Username: "testuser", PasswordHash: passwordHash, IsActive: false}
		mockUserCollection.On("FindUserByUsername", mock.Anything, "testuser").Return(user, nil)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, models.LoginRequest{Username: "testuser", Password: "password123"})))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("bad requests", func(t *testing.T) {
		handler := NewAuthHandler(authService, new(MockUserCollection))

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString("{")))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, models.LoginRequest{Username: "testuser"})))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthHandler_Register(t *testing.T) {
	authService := testAuthService()

	t.Run("successful registration", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		mockUserCollection.On("FindUserByUsername", mock.Anything, "newuser").Return(nil, db.ErrNotFound)
		mockUserCollection.On("FindUserByEmail", mock.Anything, "newuser@example.com").Return(nil, db.ErrNotFound)
		mockUserCollection.On("InsertUser", mock.Anything, mock.MatchedBy(func(u models.User) bool {
			return u.ID != "" && u.Username == "newuser" && u.Role == models.RoleViewer && u.IsActive
		})).Return(nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, models.RegisterRequest{
			Username: "newuser",
			Email:    "newuser@example.com",
			Password: "password123",
			Role:     models.RoleViewer,
		}))
		w := httptest.NewRecorder()
		handler.Register(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		var response models.LoginResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, "newuser", response.User.Username)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("role defaults to operator", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		mockUserCollection.On("FindUserByUsername", mock.Anything, "dispatcher").Return(nil, db.ErrNotFound)
		mockUserCollection.On("FindUserByEmail", mock.Anything, "d@example.com").Return(nil, db.ErrNotFound)
		mockUserCollection.On("InsertUser", mock.Anything, mock.MatchedBy(func(u models.User) bool {
			return u.Role == models.RoleOperator
		})).Return(nil)

		w := httptest.NewRecorder()
		handler.Register(w, httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, models.RegisterRequest{
			Username: "dispatcher", Email: "d@example.com", Password: "password123",
		})))
		assert.Equal(t, http.StatusCreated, w.Code)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("username already exists", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		mockUserCollection.On("FindUserByUsername", mock.Anything, "existinguser").
			Return(&models.User{Username: "existinguser"}, nil)

		w := httptest.NewRecorder()
		handler.Register(w, httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, models.RegisterRequest{
			Username: "existinguser", Email: "newuser@example.com", Password: "password123", Role: models.RoleViewer,
		})))

		assert.Equal(t, http.StatusConflict, w.Code)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("duplicate on insert", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		mockUserCollection.On("FindUserByUsername", mock.Anything, "racer").Return(nil, db.ErrNotFound)
		mockUserCollection.On("FindUserByEmail", mock.Anything, "racer@example.com").Return(nil, db.ErrNotFound)
		mockUserCollection.On("InsertUser", mock.Anything, mock.Anything).Return(db.ErrDuplicate)

		w := httptest.NewRecorder()
		handler.Register(w, httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, models.RegisterRequest{
			Username: "racer", Email: "racer@example.com", Password: "password123",
		})))
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	invalid := []struct {
		name string
		req  models.RegisterRequest
	}{
		{"invalid role", models.RegisterRequest{Username: "newuser", Email: "n@example.com", Password: "password123", Role: "manager"}},
		{"short username", models.RegisterRequest{Username: "ab", Email: "n@example.com", Password: "password123"}},
		{"bad email", models.RegisterRequest{Username: "newuser", Email: "nope", Password: "password123"}},
		{"short password", models.RegisterRequest{Username: "newuser", Email: "n@example.com", Password: "short"}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthHandler(authService, new(MockUserCollection))
			w := httptest.NewRecorder()
			handler.Register(w, httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, tt.req)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestAuthHandler_GetProfile(t *testing.T) {
	authService := testAuthService()

	t.Run("successful profile retrieval", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{ID: "user-1", Username: "testuser", Email: "test@example.com", Role: models.RoleAdmin}
		mockUserCollection.On("FindUserByID", mock.Anything, "user-1").Return(user, nil)

		req := asUser(httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil), "user-1", models.RoleAdmin)
		w := httptest.NewRecorder()
		handler.GetProfile(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var response models.User
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, user.Username, response.Username)
		assert.Equal(t, user.Email, response.Email)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("user not found", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		mockUserCollection.On("FindUserByID", mock.Anything, "gone").Return(nil, db.ErrNotFound)

		req := asUser(httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil), "gone", models.RoleViewer)
		w := httptest.NewRecorder()
		handler.GetProfile(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("no user context", func(t *testing.T) {
		handler := NewAuthHandler(authService, new(MockUserCollection))
		w := httptest.NewRecorder()
		handler.GetProfile(w, httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAuthHandler_UpdateProfile(t *testing.T) {
	authService := testAuthService()

	t.Run("successful profile update", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{ID: "user-1", Username: "testuser", Email: "test@example.com"}
		mockUserCollection.On("FindUserByID", mock.Anything, "user-1").Return(user, nil)
		mockUserCollection.On("FindUserByEmail", mock.Anything, "new@example.com").Return(nil, db.ErrNotFound)
		mockUserCollection.On("UpdateUser", mock.Anything, "user-1", mock.MatchedBy(func(u models.User) bool {
			return u.Email == "new@example.com"
		})).Return(nil)

		req := asUser(httptest.NewRequest(http.MethodPut, "/api/auth/profile",
			jsonBody(t, map[string]string{"email": "new@example.com"})), "user-1", models.RoleOperator)
		w := httptest.NewRecorder()
		handler.UpdateProfile(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("email taken by someone else", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		mockUserCollection.On("FindUserByID", mock.Anything, "user-1").Return(&models.User{ID: "user-1"}, nil)
		mockUserCollection.On("FindUserByEmail", mock.Anything, "taken@example.com").Return(&models.User{ID: "user-2"}, nil)

		req := asUser(httptest.NewRequest(http.MethodPut, "/api/auth/profile",
			jsonBody(t, map[string]string{"email": "taken@example.com"})), "user-1", models.RoleOperator)
		w := httptest.NewRecorder()
		handler.UpdateProfile(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
		mockUserCollection.AssertNotCalled(t, "UpdateUser", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestAuthHandler_ChangePassword(t *testing.T) {
	authService := testAuthService()
	passwordHash, err := authService.HashPassword("oldpassword")
	require.NoError(t, err)

	t.Run("successful password change", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{ID: "user-1", Username: "testuser", PasswordHash: passwordHash}
		mockUserCollection.On("FindUserByID", mock.Anything, "user-1").Return(user, nil)
		mockUserCollection.On("UpdateUser", mock.Anything, "user-1", mock.MatchedBy(func(u models.User) bool {
			return authService.CheckPassword("newpassword123", u.PasswordHash)
		})).Return(nil)

		req := asUser(httptest.NewRequest(http.MethodPost, "/api/auth/change-password", jsonBody(t, map[string]string{
			"current_password": "oldpassword",
			"new_password":     "newpassword123",
		})), "user-1", models.RoleViewer)
		w := httptest.NewRecorder()
		handler.ChangePassword(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("incorrect current password", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{ID: "user-1", Username: "testuser", PasswordHash: passwordHash}
		mockUserCollection.On("FindUserByID", mock.Anything, "user-1").Return(user, nil)

		req := asUser(httptest.NewRequest(http.MethodPost, "/api/auth/change-password", jsonBody(t, map[string]string{
			"current_password": "wrongpassword",
			"new_password":     "newpassword123",
		})), "user-1", models.RoleViewer)
		w := httptest.NewRecorder()
		handler.ChangePassword(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		mockUserCollection.AssertExpectations(t)
	})
}
