package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go-proctoring-server/admin"
	"go-proctoring-server/models"
	"go-proctoring-server/recording"
	"go-proctoring-server/violations"

	"github.com/gorilla/mux"
)

const sseHeartbeat = 25 * time.Second

type MonitorResponse struct {
	Date    string                `json:"date"`
	Entries []models.MonitorEntry `json:"entries"`
}

type TogglePauseResponse struct {
	Key      string `json:"key"`
	IsPaused bool   `json:"isPaused"`
}

type ViolationsResponse struct {
	ParticipantId string             `json:"participant_id"`
	Entries       []violations.Entry `json:"entries"`
}

type RoomResponse struct {
	Room      string `json:"room"`
	Recording bool   `json:"recording"`
}

func registerAdminRoutes(router *mux.Router, state *ServerState) {
	router.Use(requireAdmin(state.adminTokens))

	router.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, http.StatusOK, MonitorResponse{Date: state.monitor.Today(), Entries: state.monitor.Entries()})
	}).Methods(http.MethodGet)
	router.HandleFunc("/records/stream", func(w http.ResponseWriter, r *http.Request) {
		handleMonitorStream(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/records/{key}/toggle-pause", func(w http.ResponseWriter, r *http.Request) {
		handleTogglePause(state, w, r)
	}).Methods(http.MethodPost)
	router.HandleFunc("/records/{key}/show-video", func(w http.ResponseWriter, r *http.Request) {
		handleShowVideo(state, w, r)
	}).Methods(http.MethodPost)
	router.HandleFunc("/violations/{participant_id}", func(w http.ResponseWriter, r *http.Request) {
		handleListViolations(state, w, r)
	}).Methods(http.MethodGet)

	router.HandleFunc("/recordings/{room}", func(w http.ResponseWriter, r *http.Request) {
		handleListRecordings(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/recordings/{room}/stop", func(w http.ResponseWriter, r *http.Request) {
		handleForceStop(state, w, r)
	}).Methods(http.MethodPost)

	router.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		handleListRooms(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{room}", func(w http.ResponseWriter, r *http.Request) {
		handleAttachRoom(state, w, r)
	}).Methods(http.MethodPut)
	router.HandleFunc("/rooms/{room}", func(w http.ResponseWriter, r *http.Request) {
		handleDetachRoom(state, w, r)
	}).Methods(http.MethodDelete)
}

// handleMonitorStream sends today's table as server-sent events, once on connect and
// again after every change.
func handleMonitorStream(state *ServerState, w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates, stop := state.monitor.Listen()
	defer stop()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Monitor stream closed", "error", r.Context().Err())
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case entries, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(MonitorResponse{Date: state.monitor.Today(), Entries: entries})
			if err != nil {
				slog.Error("Failed to marshal monitor entries", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: records\ndata: %s\n\n", payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			slog.Warn("Monitor stream cannot flush", "error", err)
			return
		}
	}
}

func handleShowVideo(state *ServerState, w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	err := state.monitor.ShowVideo(r.Context(), key)
	if errors.Is(err, admin.ErrRecordNotFound) {
		respondWithErr(w, http.StatusNotFound, "error:not-found", "show video to unknown record", err)
		return
	}
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to request briefing video", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleListViolations(state *ServerState, w http.ResponseWriter, r *http.Request) {
	participantId := mux.Vars(r)["participant_id"]
	entries, err := state.violations.List(r.Context(), participantId)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to list violations", err)
		return
	}
	_ = writeJSON(w, http.StatusOK, ViolationsResponse{ParticipantId: participantId, Entries: entries})
}

func handleTogglePause(state *ServerState, w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	paused, err := state.monitor.TogglePause(r.Context(), key)
	if errors.Is(err, admin.ErrRecordNotFound) {
		respondWithErr(w, http.StatusNotFound, "error:not-found", "toggle pause of unknown record", err)
		return
	}
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to toggle pause", err)
		return
	}
	_ = writeJSON(w, http.StatusOK, TogglePauseResponse{Key: key, IsPaused: paused})
}

func handleListRecordings(state *ServerState, w http.ResponseWriter, r *http.Request) {
	if state.inspector == nil {
		respondWithErr(w, http.StatusNotImplemented, "error:not-supported", "recordings cannot be listed with this recorder", nil)
		return
	}
	room := mux.Vars(r)["room"]
	infos, err := state.inspector.Active(r.Context(), room)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to list recordings", err)
		return
	}
	if infos == nil {
		infos = []models.RecordingInfo{}
	}
	_ = writeJSON(w, http.StatusOK, infos)
}

func handleForceStop(state *ServerState, w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	stopped, err := state.recorder.Stop(r.Context(), room)
	if errors.Is(err, recording.ErrNoActiveRecording) {
		respondWithErr(w, http.StatusNotFound, "error:not-recording", "no active recording to stop", err)
		return
	}
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to stop recording", err)
		return
	}
	slog.Info("Recording force-stopped by admin", "room", room, "stopped", stopped)
	_ = writeJSON(w, http.StatusOK, models.StopRecordingsResponse{RoomName: room, Stopped: stopped})
}

func handleListRooms(state *ServerState, w http.ResponseWriter, r *http.Request) {
	rooms := []RoomResponse{}
	if state.registry != nil {
		for room, recording := range state.registry.Rooms() {
			rooms = append(rooms, RoomResponse{Room: room, Recording: recording})
		}
	}
	_ = writeJSON(w, http.StatusOK, rooms)
}

func handleAttachRoom(state *ServerState, w http.ResponseWriter, r *http.Request) {
	if state.registry == nil {
		respondWithErr(w, http.StatusNotImplemented, "error:not-supported", "auto-record is disabled", nil)
		return
	}
	room := mux.Vars(r)["room"]
	watcher, err := state.registry.Attach(r.Context(), room)
	if err != nil {
		respondWithErr(w, http.StatusBadGateway, "error:room-count", "failed to read room participant count", err)
		return
	}
	_ = writeJSON(w, http.StatusOK, RoomResponse{Room: room, Recording: watcher.Recording()})
}

func handleDetachRoom(state *ServerState, w http.ResponseWriter, r *http.Request) {
	if state.registry == nil {
		respondWithErr(w, http.StatusNotImplemented, "error:not-supported", "auto-record is disabled", nil)
		return
	}
	state.registry.Detach(mux.Vars(r)["room"])
	w.WriteHeader(http.StatusNoContent)
}
