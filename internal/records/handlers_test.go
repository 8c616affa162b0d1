package records_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emr-ledger/internal/auth"
	"github.com/medrex/emr-ledger/internal/ledger"
	"github.com/medrex/emr-ledger/internal/ledger/ledgertest"
	"github.com/medrex/emr-ledger/internal/records"
	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/types"
	"github.com/medrex/emr-ledger/pkg/wallet"
)

func newRouter(t *testing.T, f *fixture, signer wallet.Signer) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	records.NewHandlers(f.orchestrator(t, signer), logger.Discard()).RegisterRoutes(router)
	return router
}

func serve(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlersPublishAndRetrieve(t *testing.T) {
	f := newFixture(t)
	writer := f.registeredWriter(t)
	patient := ledgertest.NewWallet(t)
	router := newRouter(t, f, writer)

	w := serve(router, http.MethodPost, "/records", map[string]interface{}{
		"patient":     patient.Address().Hex(),
		"record_type": "Screening",
		"location":    "City Hospital",
		"record":      screening,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var receipt records.PublishReceipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.Equal(t, records.StageConfirmed, receipt.Stage)
	assert.NotEmpty(t, receipt.ContentRef)

	w = serve(router, http.MethodGet, "/patients/"+patient.Address().Hex()+"/records", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result records.RetrieveResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Entries, 1)
	assert.Equal(t, types.FormatEncrypted, result.Entries[0].Format)
	assert.Equal(t, screening.BloodType, result.Entries[0].Details.BloodType)
}

func TestHandlersRetrieveDenied(t *testing.T) {
	f := newFixture(t)
	patient := ledgertest.NewWallet(t)
	stranger := ledgertest.NewWallet(t)
	f.net.SeedRecord(patient.Address(), ledger.IndexEntry{
		DataHash:   "ref-1",
		RecordType: "Screening",
		Location:   "City Hospital",
		Doctor:     ledgertest.NewWallet(t).Address(),
	})

	w := serve(newRouter(t, f, stranger), http.MethodGet, "/patients/"+patient.Address().Hex()+"/records", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	var result records.RetrieveResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, types.StatusAccessDenied, result.Outcome.Status)
	assert.Empty(t, result.Entries)
}

func TestHandlersRejectBadInput(t *testing.T) {
	f := newFixture(t)
	router := newRouter(t, f, ledgertest.NewWallet(t))

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"bad patient path", http.MethodGet, "/patients/not-an-address/records", nil},
		{"bad grant address", http.MethodPost, "/access/grants", map[string]string{"address": "0x123"}},
		{"bad publish patient", http.MethodPost, "/records", map[string]string{"patient": "nobody"}},
		{"missing record type", http.MethodPost, "/records", map[string]string{"patient": "0x00000000000000000000000000000000000000aa", "location": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHandlersWhoamiAndAccess(t *testing.T) {
	f := newFixture(t)
	patient := ledgertest.NewWallet(t)
	reader := ledgertest.NewWallet(t)
	router := newRouter(t, f, patient)

	w := serve(router, http.MethodGet, "/whoami", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var who map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &who))
	assert.Equal(t, string(types.RoleDefaultReader), who["role"])

	w = serve(router, http.MethodPost, "/access/grants", map[string]string{"address": reader.Address().Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(router, http.MethodGet, "/patients/"+patient.Address().Hex()+"/access/"+reader.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var check map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.Equal(t, true, check["granted"])

	w = serve(router, http.MethodDelete, "/access/grants/"+reader.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(router, http.MethodGet, "/patients/"+patient.Address().Hex()+"/access/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Events []types.AccessEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history.Events, 2)
}

func TestHandlersRegisterWriterForbidden(t *testing.T) {
	f := newFixture(t)
	router := newRouter(t, f, ledgertest.NewWallet(t))

	w := serve(router, http.MethodPost, "/writers", map[string]string{"address": ledgertest.NewWallet(t).Address().Hex()})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// serviceRouter mounts the handlers the way records-service does: bearer
// auth on the API and origin checks around everything
func serviceRouter(t *testing.T, f *fixture, signer wallet.Signer, allowed []string) (http.Handler, *auth.TokenValidator) {
	t.Helper()
	tv, err := auth.NewTokenValidator(config.JWTConfig{SecretKey: "test-jwt-secret", AccessTokenTTL: 300, Issuer: "medrex-records"}, signer.Address())
	require.NoError(t, err)

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware(tv, logger.Discard()))
	records.NewHandlers(f.orchestrator(t, signer), logger.Discard()).RegisterRoutes(api)
	return auth.CORS(allowed)(router), tv
}

func TestHandlersRequireAuthentication(t *testing.T) {
	f := newFixture(t)
	writer := f.registeredWriter(t)
	patient := ledgertest.NewWallet(t)
	handler, tv := serviceRouter(t, f, patient, nil)

	o := f.orchestrator(t, writer)
	_, err := o.Publish(context.Background(), publishRequest(patient.Address()))
	require.NoError(t, err)
	path := "/api/v1/patients/" + patient.Address().Hex() + "/records"

	w := serve(handler, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), screening.BloodType+`"`)

	w = serve(handler, http.MethodPost, "/api/v1/access/grants", map[string]string{"address": writer.Address().Hex()})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, f.net.Calls(ledger.MethodGrantAccess))

	// A token for another identity does not unlock this service's wallet
	other, err := auth.NewTokenValidator(config.JWTConfig{SecretKey: "test-jwt-secret", AccessTokenTTL: 300, Issuer: "medrex-records"}, writer.Address())
	require.NoError(t, err)
	foreign, _, err := other.Issue(writer.Address())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+foreign)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := tv.Issue(patient.Address())
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result records.RetrieveResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Entries, 1)
	assert.Equal(t, screening.BloodType, result.Entries[0].Details.BloodType)
}

func TestHandlersRefuseForeignOrigins(t *testing.T) {
	f := newFixture(t)
	patient := ledgertest.NewWallet(t)
	handler, tv := serviceRouter(t, f, patient, []string{"https://clinic.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/access/grants", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))

	// Even with a valid token a foreign page cannot drive the wallet
	token, _, err := tv.Issue(patient.Address())
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{"address": ledgertest.NewWallet(t).Address().Hex()})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/access/grants", bytes.NewReader(body))
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, f.net.Calls(ledger.MethodGrantAccess))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/access/grants", nil)
	req.Header.Set("Origin", "https://clinic.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://clinic.example", w.Header().Get("Access-Control-Allow-Origin"))
}
