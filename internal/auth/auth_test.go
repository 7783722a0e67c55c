package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestFuncValidator(t *testing.T) {
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	assert.ErrorIs(t, validator.Validate("bad"), ErrUnauthorized)
	assert.NoError(t, validator.Validate("ok"))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "bearer  abc ", want: "abc"},
		{header: "Basic abc", wantErr: ErrMissingToken},
		{header: "Bearer ", wantErr: ErrMissingToken},
		{header: "", wantErr: ErrMissingToken},
	}
	for _, tc := range tests {
		got, err := BearerToken(tc.header)
		if tc.wantErr != nil {
			assert.ErrorIs(t, err, tc.wantErr, "header %q", tc.header)
			continue
		}
		assert.NoError(t, err, "header %q", tc.header)
		assert.Equal(t, tc.want, got, "header %q", tc.header)
	}
}

func TestRequire(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/open", Require(nil), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/closed", Require(StaticToken{Token: "s3cret"}), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(path, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusNoContent, do("/open", "").Code)
	rr := do("/closed", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
	assert.Equal(t, http.StatusUnauthorized, do("/closed", "Bearer wrong").Code)
	assert.Equal(t, http.StatusNoContent, do("/closed", "Bearer s3cret").Code)
}
