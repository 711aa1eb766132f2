package render

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Responses(t *testing.T) {
	tests := []struct {
		name   string
		render func(w http.ResponseWriter)
		status int
		body   string
	}{
		{
			name: "json",
			render: func(w http.ResponseWriter) {
				JSON(w, map[string]any{"authenticated": true, "state": "authenticated"})
			},
			status: http.StatusOK,
			body:   `{"authenticated":true,"state":"authenticated"}`,
		},
		{
			name: "json with status",
			render: func(w http.ResponseWriter) {
				JSONStatus(w, map[string]any{"confirmation_pending": true}, http.StatusCreated)
			},
			status: http.StatusCreated,
			body:   `{"confirmation_pending":true}`,
		},
		{
			name: "service error",
			render: func(w http.ResponseWriter) {
				ServiceError(w, "Another session operation is in progress", http.StatusConflict)
			},
			status: http.StatusConflict,
			body:   `{"error":"service_error","message":"Another session operation is in progress"}`,
		},
		{
			name: "provider error",
			render: func(w http.ResponseWriter) {
				ProviderError(w, "invalid_credentials", "Invalid login credentials", http.StatusUnauthorized)
			},
			status: http.StatusUnauthorized,
			body:   `{"error":"provider_error","code":"invalid_credentials","message":"Invalid login credentials"}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			tc.render(w)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tc.body, w.Body.String())
		})
	}
}

func TestRender_DecodeError(t *testing.T) {
	type refreshRequest struct {
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{
			name:    "malformed json",
			body:    `refresh_token=abc`,
			message: "Failed to parse JSON: invalid character 'r' looking for beginning of value",
		},
		{
			name:    "wrong field type",
			body:    `{"refresh_token": "abc", "expires_in": "an hour"}`,
			message: "Invalid data type for field 'expires_in'",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var value refreshRequest
			err := json.NewDecoder(strings.NewReader(tc.body)).Decode(&value)
			require.Error(t, err, "body must be rejected by the decoder")
			w := httptest.NewRecorder()

			DecodeError(w, err)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, `{"error":"decoding_failed","message":"`+tc.message+`"}`, w.Body.String())
		})
	}
}

func TestRender_ValidationErrors(t *testing.T) {
	validate := validator.New()

	type T struct {
		Username string `validate:"required"`
		Password string `validate:"min=6"`
		Email    string `validate:"email"`
		Type     string `validate:"oneof=signup recovery"`
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		invalidData := T{
			Password: "123",
			Email:    "not-valid-email",
			Type:     "sms",
		}

		err := validate.Struct(invalidData)
		require.Error(t, err, "test expects that data not pass validation")
		errs, ok := err.(validator.ValidationErrors)
		require.True(t, ok, "be sure you pass structure to validator")
		ValidationErrors(w, errs)
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	expected, err := json.Marshal(struct {
		Error   string            `json:"error"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	}{
		Error:   "validation_failed",
		Message: "Request validation failed",
		Fields: map[string]string{
			"Username": "This field is required",         // Message for 'required' tag
			"Password": "Value is too short (minimum 6)", // Message for 'min' validation tag
			"Email":    "Invalid email address",          // Message for 'email' tag
			"Type":     "Value must be one of: signup recovery",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, string(expected), string(body))
}

func TestRender_BindAndValidate(t *testing.T) {
	type Credentials struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	tests := []struct {
		name           string
		requestBody    string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "valid request",
			requestBody:    `{"email": "alice@valis.dev", "password": "secret"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"success": true}`,
		},
		{
			name:           "invalid json",
			requestBody:    `invalid-json`,
			expectedStatus: http.StatusBadRequest,
			expectedBody: `{
				"error": "decoding_failed",
				"message": "Failed to parse JSON: invalid character 'i' looking for beginning of value"
			}`,
		},
		{
			name:           "validation failed",
			requestBody:    `{"email": "alice"}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody: `{
				"error": "validation_failed",
				"message": "Request validation failed",
				"fields": {
					"email": "Invalid email address",
					"password": "This field is required"
				}
			}`,
		},

	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, err := BindAndValidate[Credentials](w, r)
				if err != nil {
					return // Error response already written
				}
				// Success case
				JSON(w, map[string]bool{"success": true})
			}))
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/test", "application/json", strings.NewReader(tc.requestBody))
			require.NoError(t, err)
			require.Equal(t, tc.expectedStatus, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			defer resp.Body.Close() //nolint:errcheck

			assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
			assert.JSONEq(t, tc.expectedBody, string(body))
		})
	}
}

func TestRender_BindAndValidate_BodyLimit(t *testing.T) {
	type Credentials struct {
		Email string `json:"email" validate:"required"`
	}

	body := `{"email": "` + strings.Repeat("a", maxBodySize) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	w := httptest.NewRecorder()

	_, err := BindAndValidate[Credentials](w, r)

	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{
			"error": "decoding_failed",
			"message": "Request body is too large (limit 1048576 bytes)"
		}`,
		w.Body.String(),
	)
}
