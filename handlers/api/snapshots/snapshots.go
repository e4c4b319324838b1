package snapshots

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/maandhruv/collab-whiteboard/core"
)

type (
	SnapshotLister interface {
		ListSnapshots(ctx context.Context, roomID string) ([]core.Snapshot, error)
	}

	ListResponse struct {
		RoomID    string          `json:"roomId"`
		Snapshots []core.Snapshot `json:"snapshots"`
	}
)

// HandleListSnapshots lists the retained snapshots of a room, newest first.
// Payloads are not included.
func HandleListSnapshots(store SnapshotLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		snapshots, err := store.ListSnapshots(r.Context(), roomID)
		if err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Error("Failed to list snapshots")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "failed to list snapshots"})
			return
		}

		if snapshots == nil {
			snapshots = []core.Snapshot{}
		}

		render.JSON(w, r, ListResponse{RoomID: roomID, Snapshots: snapshots})
	}
}
