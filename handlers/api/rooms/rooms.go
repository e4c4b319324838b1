package rooms

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/maandhruv/collab-whiteboard/middleware"
)

const (
	DefaultOwnerID = "anonymous"

	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength     = 6
	roomIDLength   = 8
	createAttempts = 5
	maxBodySize    = 64 << 10
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedIDs collide with top-level HTTP routes.
var reservedIDs = map[string]bool{
	"rooms":   true,
	"health":  true,
	"stats":   true,
	"metrics": true,
}

type (
	CreateRoomRequest struct {
		PreferredID string `json:"preferredId" validate:"omitempty,max=64,roomid"`
		OwnerID     string `json:"ownerId" validate:"omitempty,max=128"`
	}

	CreateRoomResponse struct {
		RoomID string `json:"roomId"`
		Code   string `json:"code"`
	}

	ValidateResponse struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	// LiveRooms reports rooms held in memory by this process.
	LiveRooms interface {
		Has(roomID string) bool
	}

	// Gate authorizes room codes and caches the codes of new rooms.
	Gate interface {
		Authorize(ctx context.Context, roomID, code string) error
		Remember(roomID, code string)
	}
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return roomIDPattern.MatchString(fl.Field().String())
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "roomid":
		return fmt.Sprintf("%s may only contain letters, digits, '-' and '_'", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

// GenerateRoomID returns the lower-cased random tail of a fresh ULID.
func GenerateRoomID() string {
	id := ulid.Make().String()
	return strings.ToLower(id[len(id)-roomIDLength:])
}

// GenerateCode returns a random upper-case alphanumeric access code.
func GenerateCode() (string, error) {
	base := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}

func decodeCreate(r *http.Request) (CreateRoomRequest, error) {
	var req CreateRoomRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// HandleCreate creates a room with a fresh access code. A preferred id that
// is live or already stored is replaced by a generated one. The owner is the
// authenticated caller when there is one, then the body's ownerId, then
// "anonymous".
func HandleCreate(store core.RoomStore, live LiveRooms, gate Gate) http.HandlerFunc {
	validate := newValidator()

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeCreate(r)
		if err != nil {
			logrus.WithError(err).Debug("Failed to decode room request")
			renderError(w, r, http.StatusBadRequest, "invalid json")
			return
		}
		if err := validate.Struct(req); err != nil {
			renderError(w, r, http.StatusBadRequest, validationMessage(err))
			return
		}

		owner := req.OwnerID
		if id, ok := middleware.OwnerID(r.Context()); ok {
			owner = id
		}
		if owner == "" {
			owner = DefaultOwnerID
		}

		code, err := GenerateCode()
		if err != nil {
			logrus.WithError(err).Error("Failed to generate access code")
			renderError(w, r, http.StatusInternalServerError, "failed to create room")
			return
		}

		now := time.Now().UTC()
		room := &core.RoomMeta{
			ID:           req.PreferredID,
			AccessCode:   code,
			OwnerID:      owner,
			CreatedAt:    now,
			LastOpenedAt: now,
		}
		for attempt := 1; ; attempt++ {
			if room.ID == "" || reservedIDs[room.ID] || live.Has(room.ID) {
				room.ID = GenerateRoomID()
			}
			err = store.CreateRoom(r.Context(), room)
			if !errors.Is(err, core.ErrRoomExists) || attempt == createAttempts {
				break
			}
			room.ID = ""
		}
		if err != nil {
			logrus.WithError(err).Error("Failed to create room")
			renderError(w, r, http.StatusInternalServerError, "failed to create room")
			return
		}

		gate.Remember(room.ID, code)
		logrus.WithFields(logrus.Fields{
			"room_id":  room.ID,
			"owner_id": owner,
		}).Info("Room created")

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateRoomResponse{RoomID: room.ID, Code: code})
	}
}

// HandleValidate checks a room code without opening a connection.
func HandleValidate(gate Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("roomId")
		code := r.URL.Query().Get("code")

		if err := gate.Authorize(r.Context(), roomID, code); err != nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, ValidateResponse{OK: false, Error: "invalid"})
			return
		}
		render.JSON(w, r, ValidateResponse{OK: true})
	}
}
