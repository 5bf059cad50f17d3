package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/model"
)

const validUUID = "3f1c9c3e-0000-4000-8000-000000000001"

// newTestServices wires the full service graph over a mock database. No
// live pusher, so dispatched tasks always hit the store.
func newTestServices(db *mockDB) *core.Services {
	return core.NewServices(db, core.Collaborators{}, zerolog.Nop())
}

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// withChiURLParams adds multiple chi URL parameters to the request context.
func withChiURLParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

// nodeRow yields a node record through a QueryRow scan.
func nodeRow(n *model.Node) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*int64) = n.ID
		*dest[1].(*string) = n.UUID
		*dest[2].(*string) = n.Name
		*dest[3].(*string) = n.TokenHash
		*dest[4].(*string) = n.Status
		*dest[9].(*int64) = n.CPUMillis
		*dest[10].(*int64) = n.MemoryMB
		*dest[11].(*time.Time) = n.CreatedAt
		*dest[12].(*time.Time) = n.UpdatedAt
		return nil
	}}
}

// applicationRow yields an application record through a QueryRow scan.
func applicationRow(a *model.Application) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*int64) = a.ID
		*dest[1].(*string) = a.UUID
		*dest[2].(*int64) = a.NodeID
		*dest[3].(*string) = a.Name
		*dest[4].(*string) = a.Image
		*dest[6].(*int64) = a.CPUMillis
		*dest[7].(*int64) = a.MemoryMB
		*dest[8].(*int) = a.PortCount
		*dest[9].(**string) = a.ContainerID
		return nil
	}}
}

// deploymentRow yields a deployment record through a QueryRow scan.
func deploymentRow(d *model.Deployment) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*int64) = d.ID
		*dest[1].(*string) = d.UUID
		*dest[2].(*int64) = d.ApplicationID
		*dest[3].(*string) = d.Status
		return nil
	}}
}

// insertReturningRow answers an INSERT ... RETURNING id, created_at,
// updated_at scan.
func insertReturningRow(id int64) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*int64) = id
		return nil
	}}
}

// noRowsRow simulates an empty result.
func noRowsRow() *mockRow {
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}
