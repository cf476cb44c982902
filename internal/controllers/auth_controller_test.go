package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"crew_tracker/internal/config"
	"crew_tracker/internal/middleware"
	"crew_tracker/internal/models"
)

// setupTestDB points the global handle at a throwaway sqlite file.
func setupTestDB(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))
	config.DB = db
}

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/auth/signup", SignupUser)
	r.POST("/auth/login", LoginUser)
	r.GET("/api/me", middleware.RequireAuth(), Me)
	r.GET("/admin/users", middleware.RequireAuthWithRole("admin"), ListUsers)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSignupCreatesUserAndToken(t *testing.T) {
	setupTestDB(t)
	r := authRouter()

	w := postJSON(t, r, "/auth/signup", gin.H{
		"name":     "Alice",
		"email":    "Alice@Example.com",
		"password": "secret123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeBody(t, w)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	claims, err := middleware.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user", claims.Role)

	user, _ := body["user"].(map[string]any)
	require.NotNil(t, user)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Equal(t, "user", user["role"])
	assert.NotContains(t, user, "password")
}

func TestSignupAdminRole(t *testing.T) {
	setupTestDB(t)
	r := authRouter()

	w := postJSON(t, r, "/auth/signup", gin.H{
		"name":     "Root",
		"email":    "root@example.com",
		"password": "secret123",
		"role":     "Admin",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeBody(t, w)
	user, _ := body["user"].(map[string]any)
	assert.Equal(t, "admin", user["role"])
}

func TestSignupRejectsUnknownRole(t *testing.T) {
	setupTestDB(t)
	r := authRouter()

	w := postJSON(t, r, "/auth/signup", gin.H{
		"name":     "Mallory",
		"email":    "mallory@example.com",
		"password": "secret123",
		"role":     "superuser",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignupDuplicateEmail(t *testing.T) {
	setupTestDB(t)
	r := authRouter()

	payload := gin.H{"name": "Alice", "email": "alice@example.com", "password": "secret123"}
	w := postJSON(t, r, "/auth/signup", payload)
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(t, r, "/auth/signup", payload)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "email already in use")
}

func TestLogin(t *testing.T) {
	setupTestDB(t)
	r := authRouter()

	w := postJSON(t, r, "/auth/signup", gin.H{
		"name":     "Alice",
		"email":    "alice@example.com",
		"password": "secret123",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	t.Run("correct credentials", func(t *testing.T) {
		w := postJSON(t, r, "/auth/login", gin.H{"email": "alice@example.com", "password": "secret123"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decodeBody(t, w)
		assert.NotEmpty(t, body["token"])
	})

	t.Run("wrong password", func(t *testing.T) {
		w := postJSON(t, r, "/auth/login", gin.H{"email": "alice@example.com", "password": "nope12345"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown email", func(t *testing.T) {
		w := postJSON(t, r, "/auth/login", gin.H{"email": "bob@example.com", "password": "secret123"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestMeReturnsProfile(t *testing.T) {
	setupTestDB(t)
	r := authRouter()

	w := postJSON(t, r, "/auth/signup", gin.H{
		"name":     "Alice",
		"email":    "alice@example.com",
		"password": "secret123",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	token := decodeBody(t, w)["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	user, _ := body["user"].(map[string]any)
	require.NotNil(t, user)
	assert.Equal(t, "Alice", user["name"])
}

func TestListUsersRequiresAdmin(t *testing.T) {
	setupTestDB(t)
	r := authRouter()

	w := postJSON(t, r, "/auth/signup", gin.H{
		"name": "Alice", "email": "alice@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	userToken := decodeBody(t, w)["token"].(string)

	w = postJSON(t, r, "/auth/signup", gin.H{
		"name": "Root", "email": "root@example.com", "password": "secret123", "role": "admin",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	adminToken := decodeBody(t, w)["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	data, _ := body["data"].([]any)
	assert.Len(t, data, 2)
}
