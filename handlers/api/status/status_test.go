package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maandhruv/collab-whiteboard/collab"
)

type fixedRooms []collab.RoomStats

func (f fixedRooms) Stats() []collab.RoomStats {
	return append([]collab.RoomStats(nil), f...)
}

func TestHandleHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestHandleStats(t *testing.T) {
	older := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	rooms := fixedRooms{
		{ID: "quiet", Connections: 1},
		{ID: "old", Connections: 2, LastChange: &older},
		{ID: "busy", Connections: 5},
		{ID: "new", Connections: 2, LastChange: &newer},
	}

	rr := httptest.NewRecorder()
	HandleStats(rooms).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Rooms != 4 || resp.Connections != 10 {
		t.Errorf("rooms, connections = %d, %d; want 4, 10", resp.Rooms, resp.Connections)
	}

	want := []string{"busy", "new", "old", "quiet"}
	for i, id := range want {
		if resp.Active[i].ID != id {
			t.Errorf("active[%d] = %q, want %q", i, resp.Active[i].ID, id)
		}
	}
}

func TestHandleStats_Empty(t *testing.T) {
	rr := httptest.NewRecorder()
	HandleStats(fixedRooms{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var resp StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Rooms != 0 || len(resp.Active) != 0 {
		t.Errorf("got %+v, want no rooms", resp)
	}
}
