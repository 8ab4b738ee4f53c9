package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/oathkey/internal/hexcodec"
	"github.com/knadh/oathkey/internal/token"
	"github.com/knadh/oathkey/pkg/models"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type healthResp struct {
	Device bool `json:"device"`
}

type codesResp struct {
	Remaining int           `json:"remaining"`
	Codes     []models.Code `json:"codes"`
}

type addEntryReq struct {
	Name      string `validate:"required,max=64"`
	Secret    string `validate:"required"`
	Type      string `validate:"omitempty,oneof=totp hotp TOTP HOTP"`
	Algorithm string `validate:"omitempty,oneof=sha1 sha256 SHA1 SHA256"`
	Digits    int    `validate:"omitempty,min=6,max=8"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.cache.Ping(); err != nil {
		sendErrorResponse(w, "Unable to reach cache.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, healthResp{Device: app.mgr.Connected()})
}

// handleConnect connects to the token.
func handleConnect(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	app.mu.Lock()
	defer app.mu.Unlock()

	if err := app.mgr.Connect(); err != nil {
		app.lo.Error("error connecting to device", "error", err)
		sendErrorResponse(w, "Unable to connect to the device.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, healthResp{Device: true})
}

// handleGetEntries returns the device's entries followed by the local ones.
func handleGetEntries(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	app.mu.Lock()
	defer app.mu.Unlock()

	out := app.mgr.Entries(r.Context())
	if out == nil {
		out = []models.Entry{}
	}
	sendResponse(w, out)
}

// handleGetCode returns the current code of an entry. A code that can't
// be produced is returned as null.
func handleGetCode(w http.ResponseWriter, r *http.Request) {
	var (
		app  = r.Context().Value("app").(*App)
		name = chi.URLParam(r, "name")
	)

	app.mu.Lock()
	defer app.mu.Unlock()

	e, err := app.mgr.Find(r.Context(), name)
	if err != nil {
		sendErrorResponse(w, "Unknown entry.", http.StatusNotFound, nil)
		return
	}

	out := models.Code{Entry: e}
	code, err := app.mgr.Code(r.Context(), e)
	switch {
	case err == nil:
		out.Code = &code
	case errors.Is(err, token.ErrTouchRequired):
		out.TouchRequired = true
	}

	sendResponse(w, out)
}

// handleGetCodes returns the codes of all TOTP entries.
func handleGetCodes(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	app.mu.Lock()
	defer app.mu.Unlock()

	out := codesResp{
		Remaining: app.mgr.Remaining(),
		Codes:     app.mgr.Codes(r.Context()),
	}
	if out.Codes == nil {
		out.Codes = []models.Code{}
	}
	sendResponse(w, out)
}

// handleAddEntry stores a new entry on the device.
func handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req = addEntryReq{
			Name:      strings.TrimSpace(r.FormValue("name")),
			Secret:    r.FormValue("secret"),
			Type:      r.FormValue("type"),
			Algorithm: r.FormValue("algorithm"),
		}
	)

	if v := r.FormValue("digits"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			sendErrorResponse(w, "Invalid `digits` value.", http.StatusBadRequest, nil)
			return
		}
		req.Digits = d
	}

	if err := app.validate.Struct(req); err != nil {
		var vErrs validator.ValidationErrors
		if !errors.As(err, &vErrs) {
			sendErrorResponse(w, "Invalid request.", http.StatusBadRequest, nil)
			return
		}
		sendErrorResponse(w, "Invalid request.", http.StatusBadRequest, vErrs.Translate(app.trans))
		return
	}

	secret, err := hexcodec.DecodeSecret(req.Secret)
	if err != nil {
		sendErrorResponse(w, "Invalid `secret`. It should be base32.", http.StatusBadRequest, nil)
		return
	}

	e := models.Entry{
		Issuer: req.Name,
		Digits: req.Digits,
		Source: models.SourceHardware,
		Secret: secret,
	}
	if req.Type != "" {
		e.Type, _ = models.ParseType(req.Type)
	}
	if req.Algorithm != "" {
		e.Algorithm, _ = models.ParseAlgorithm(req.Algorithm)
	}

	app.refresher.Suspend()
	defer app.refresher.Resume()

	app.mu.Lock()
	defer app.mu.Unlock()

	if err := app.mgr.AddEntry(r.Context(), e); err != nil {
		sendErrorResponse(w, "Error adding entry to the device.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, true)
}

// handleDeleteEntry removes an entry from the device.
func handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	var (
		app  = r.Context().Value("app").(*App)
		name = chi.URLParam(r, "name")
	)

	app.refresher.Suspend()
	defer app.refresher.Resume()

	app.mu.Lock()
	defer app.mu.Unlock()

	e, err := app.mgr.Find(r.Context(), name)
	if err != nil {
		sendErrorResponse(w, "Unknown entry.", http.StatusNotFound, nil)
		return
	}
	if e.Source != models.SourceHardware {
		sendErrorResponse(w, "Local entries can only be changed in the config.", http.StatusBadRequest, nil)
		return
	}

	if err := app.mgr.DeleteEntry(r.Context(), e); err != nil {
		sendErrorResponse(w, "Error deleting entry from the device.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, true)
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// auth is a simple authentication middleware.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(string(strings.Trim(h[len(authBasic):], " ")))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return

		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			username = string(pair[0])
			secret   = pair[1]
		)
		s, ok := authMap[username]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), "user", username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
