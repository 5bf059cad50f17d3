package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chap-sh/chap/internal/model"
)

const appUUID = "3f1c9c3e-0000-4000-8000-0000000000aa"

func testApplication() *model.Application {
	return &model.Application{
		ID:        7,
		UUID:      appUUID,
		NodeID:    3,
		Name:      "web",
		Image:     "registry.local/web:1.4.2",
		CPUMillis: 500,
		MemoryMB:  512,
		PortCount: 1,
	}
}

// --- Create ---

func TestApplicationCreate_MissingImage(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, sqlContaining("FROM nodes"), mock.Anything).
		Return(nodeRow(testNode())).Once()

	h := NewApplication(newTestServices(db))
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/nodes/"+validUUID+"/applications",
		map[string]any{"name": "web"}), "nodeUUID", validUUID)

	h.Create(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "validation error")
}

func TestApplicationCreate_Success(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, sqlContaining("FROM nodes"), mock.Anything).
		Return(nodeRow(testNode())).Once()
	db.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO applications"),
		mock.MatchedBy(func(args []any) bool {
			return args[1] == int64(3) && args[2] == "web"
		})).Return(insertReturningRow(7)).Once()

	h := NewApplication(newTestServices(db))
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/nodes/"+validUUID+"/applications", map[string]any{
		"name":       "web",
		"image":      "registry.local/web:1.4.2",
		"env":        map[string]string{"PORT": "8080"},
		"cpu_millis": 500,
		"memory_mb":  512,
		"port_count": 1,
	}), "nodeUUID", validUUID)

	h.Create(rec, r)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body model.Application
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "web", body.Name)
	assert.NotEmpty(t, body.UUID)
	db.AssertExpectations(t)
}

// --- Get ---

func TestApplicationGet_NotFound(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, sqlContaining("FROM applications"), mock.Anything).
		Return(noRowsRow()).Once()

	h := NewApplication(newTestServices(db))
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/applications/"+appUUID, nil), "appUUID", appUUID)

	h.Get(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Delete ---

func TestApplicationDelete_QueuesTeardownFirst(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, sqlContaining("FROM applications"), mock.Anything).
		Return(applicationRow(testApplication())).Once()
	db.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO tasks"),
		mock.MatchedBy(func(args []any) bool {
			return args[1] == model.TaskTypeApplicationDelete
		})).Return(insertReturningRow(11)).Once()
	db.On("Exec", mock.Anything, sqlContaining("DELETE FROM applications"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 1"), nil).Once()

	h := NewApplication(newTestServices(db))
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodDelete, "/applications/"+appUUID, nil), "appUUID", appUUID)

	h.Delete(rec, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	db.AssertExpectations(t)
}

func TestApplicationDelete_TeardownFailureKeepsRecord(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, sqlContaining("FROM applications"), mock.Anything).
		Return(applicationRow(testApplication())).Once()
	db.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO tasks"), mock.Anything).
		Return(&mockRow{scanFunc: func(...any) error { return errors.New("insert failed") }}).Once()

	h := NewApplication(newTestServices(db))
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodDelete, "/applications/"+appUUID, nil), "appUUID", appUUID)

	h.Delete(rec, r)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	db.AssertNotCalled(t, "Exec", mock.Anything, sqlContaining("DELETE FROM applications"), mock.Anything)
}
