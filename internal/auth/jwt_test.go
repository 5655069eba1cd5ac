package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAdminToken(t *testing.T) {
	secret := "test-secret"
	tokenStr, expiresAt, err := GenerateAdminToken("ops", secret, 5*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, tokenStr)

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "ops", claims[claimSubject])
	assert.Equal(t, adminType, claims[claimType])
	assert.Equal(t, expiresAt.Unix(), int64(claims["exp"].(float64)))
}

func TestGenerateAdminTokenValidation(t *testing.T) {
	_, _, err := GenerateAdminToken("", "s", time.Minute)
	assert.Error(t, err)
	_, _, err = GenerateAdminToken("ops", "", time.Minute)
	assert.Error(t, err)
	_, _, err = GenerateAdminToken("ops", "s", 0)
	assert.Error(t, err)
}

func TestAdminFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	_, err := AdminFromContext(c)
	assert.Error(t, err)

	c.Set("user", &jwt.Token{Valid: true, Claims: jwt.MapClaims{claimSubject: "ops", claimType: "user"}})
	_, err = AdminFromContext(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)

	c.Set("user", &jwt.Token{Valid: true, Claims: jwt.MapClaims{claimSubject: "ops", claimType: adminType}})
	subject, err := AdminFromContext(c)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	e := echo.New()
	e.Use(JWTMiddleware("secret", nil))
	e.GET("/admin/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RequireAdmin)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/x", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)

	tokenStr, _, err := GenerateAdminToken("ops", "secret", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tokenStr)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
