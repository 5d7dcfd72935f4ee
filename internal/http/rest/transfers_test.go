package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/M0Rf30/slskdn/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransferService implements TransferService for testing.
type mockTransferService struct {
	startFunc    func(ctx context.Context, spec engine.FileSpec) (string, error)
	startCalled  bool
	lastSpec     engine.FileSpec
	cancelCalled bool
	lastCancelID string
	statuses     map[string]engine.Status
}

func (m *mockTransferService) StartTransfer(ctx context.Context, spec engine.FileSpec) (string, error) {
	m.startCalled = true
	m.lastSpec = spec
	if m.startFunc != nil {
		return m.startFunc(ctx, spec)
	}
	return "mock-transfer-id", nil
}

func (m *mockTransferService) CancelTransfer(id string) error {
	m.cancelCalled = true
	m.lastCancelID = id
	if _, ok := m.statuses[id]; !ok {
		return engine.ErrTransferNotFound
	}
	return nil
}

func (m *mockTransferService) GetStatus(id string) (engine.Status, error) {
	if status, ok := m.statuses[id]; ok {
		return status, nil
	}
	return engine.Status{}, engine.ErrTransferNotFound
}

func (m *mockTransferService) List() []engine.Status {
	out := make([]engine.Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		out = append(out, status)
	}
	return out
}

func activeStatus(id string) engine.Status {
	return engine.Status{
		ID:               id,
		FileID:           "file-1",
		Name:             "track.flac",
		State:            engine.StateActive,
		BytesVerified:    1 << 20,
		TotalBytes:       4 << 20,
		SegmentsVerified: 1,
		SegmentCount:     4,
		ActiveSources:    2,
		Bitmap:           "80",
		CreatedAt:        time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleStart(t *testing.T) {
	svc := &mockTransferService{
		statuses: map[string]engine.Status{"mock-transfer-id": activeStatus("mock-transfer-id")},
	}
	srv := httptest.NewServer(NewTransfersHandler(svc, nil).Routes())
	defer srv.Close()

	body := strings.NewReader(`{"file_id":"file-1","name":"track.flac","size":4194304}`)

	resp, err := http.Post(srv.URL+"/transfers", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, svc.startCalled)
	assert.Equal(t, "file-1", svc.lastSpec.ID)
	assert.Equal(t, int64(4194304), svc.lastSpec.Size)

	var got TransferResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "mock-transfer-id", got.ID)
	assert.Equal(t, "active", got.State)
	assert.Equal(t, "1.0 MB / 4.2 MB", got.Progress)
}

func TestHandleStart_InvalidBody(t *testing.T) {
	svc := &mockTransferService{}
	srv := httptest.NewServer(NewTransfersHandler(svc, nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/transfers", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, svc.startCalled)
}

func TestHandleStart_ServiceRejects(t *testing.T) {
	svc := &mockTransferService{
		startFunc: func(ctx context.Context, spec engine.FileSpec) (string, error) {
			return "", assert.AnError
		},
	}
	srv := httptest.NewServer(NewTransfersHandler(svc, nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/transfers", "application/json",
		strings.NewReader(`{"file_id":"file-1","name":"x","size":-1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleStatus(t *testing.T) {
	svc := &mockTransferService{
		statuses: map[string]engine.Status{"t1": activeStatus("t1")},
	}
	srv := httptest.NewServer(NewTransfersHandler(svc, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfers/t1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got TransferResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, 4, got.SegmentCount)
	assert.Equal(t, "2026-08-01T12:00:00Z", got.CreatedAt)
	assert.Empty(t, got.CompletedAt)
}

func TestHandleStatus_NotFound(t *testing.T) {
	svc := &mockTransferService{}
	srv := httptest.NewServer(NewTransfersHandler(svc, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfers/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleList(t *testing.T) {
	svc := &mockTransferService{
		statuses: map[string]engine.Status{
			"t1": activeStatus("t1"),
			"t2": activeStatus("t2"),
		},
	}
	srv := httptest.NewServer(NewTransfersHandler(svc, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfers")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Transfers []TransferResponse `json:"transfers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Len(t, got.Transfers, 2)
}

func TestHandleCancel(t *testing.T) {
	svc := &mockTransferService{
		statuses: map[string]engine.Status{"t1": activeStatus("t1")},
	}
	srv := httptest.NewServer(NewTransfersHandler(svc, nil).Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/transfers/t1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, svc.cancelCalled)
	assert.Equal(t, "t1", svc.lastCancelID)
}

func TestHandleCancel_NotFound(t *testing.T) {
	svc := &mockTransferService{}
	srv := httptest.NewServer(NewTransfersHandler(svc, nil).Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/transfers/nope", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
