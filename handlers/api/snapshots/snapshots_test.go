package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maandhruv/collab-whiteboard/core"
)

// Mock snapshot store for testing
type mockSnapshotStore struct {
	snapshots map[string][]core.Snapshot
	listErr   error
}

func (m *mockSnapshotStore) ListSnapshots(ctx context.Context, roomID string) ([]core.Snapshot, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.snapshots[roomID], nil
}

func serveList(store SnapshotLister, roomID string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/rooms/{roomId}/snapshots", HandleListSnapshots(store))

	req := httptest.NewRequest(http.MethodGet, "/rooms/"+roomID+"/snapshots", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestHandleListSnapshots(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &mockSnapshotStore{snapshots: map[string][]core.Snapshot{
		"room1": {
			{ID: "01HX2", RoomID: "room1", CreatedAt: created.Add(time.Minute), Size: 20, Data: []byte("secret")},
			{ID: "01HX1", RoomID: "room1", CreatedAt: created, Size: 10},
		},
	}}

	rr := serveList(store, "room1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp struct {
		RoomID    string           `json:"roomId"`
		Snapshots []map[string]any `json:"snapshots"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RoomID != "room1" {
		t.Errorf("roomId = %q, want %q", resp.RoomID, "room1")
	}
	if len(resp.Snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(resp.Snapshots))
	}
	if resp.Snapshots[0]["id"] != "01HX2" {
		t.Errorf("first snapshot = %v, want newest first", resp.Snapshots[0]["id"])
	}
	if _, ok := resp.Snapshots[0]["data"]; ok {
		t.Error("snapshot payload must not be serialized")
	}
}

func TestHandleListSnapshots_Empty(t *testing.T) {
	rr := serveList(&mockSnapshotStore{}, "nobody")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp ListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Snapshots == nil || len(resp.Snapshots) != 0 {
		t.Errorf("snapshots = %v, want empty list", resp.Snapshots)
	}
}

func TestHandleListSnapshots_Error(t *testing.T) {
	rr := serveList(&mockSnapshotStore{listErr: errors.New("database down")}, "room1")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
