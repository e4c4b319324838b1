package status

import (
	"net/http"
	"sort"

	"github.com/go-chi/render"

	"github.com/maandhruv/collab-whiteboard/collab"
)

type (
	// RoomLister exposes the live rooms of this process.
	RoomLister interface {
		Stats() []collab.RoomStats
	}

	StatsResponse struct {
		Rooms       int                `json:"rooms"`
		Connections int                `json:"connections"`
		Active      []collab.RoomStats `json:"active"`
	}
)

func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}

// HandleStats lists live rooms, busiest first, then most recently changed.
func HandleStats(rooms RoomLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := rooms.Stats()
		sort.SliceStable(active, func(i, j int) bool {
			if active[i].Connections != active[j].Connections {
				return active[i].Connections > active[j].Connections
			}
			li, lj := active[i].LastChange, active[j].LastChange
			switch {
			case li == nil || lj == nil:
				return li != nil && lj == nil
			case !li.Equal(*lj):
				return li.After(*lj)
			}
			return active[i].ID < active[j].ID
		})

		resp := StatsResponse{Rooms: len(active), Active: active}
		for _, room := range active {
			resp.Connections += room.Connections
		}
		render.JSON(w, r, resp)
	}
}
