package autorecord

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
)

// LiveKit webhook event names.
const (
	eventRoomStarted       = "room_started"
	eventRoomFinished      = "room_finished"
	eventParticipantJoined = "participant_joined"
	eventParticipantLeft   = "participant_left"
)

// WebhookHandler feeds LiveKit room webhooks into a Registry.
type WebhookHandler struct {
	registry *Registry
	keys     auth.KeyProvider
}

func NewWebhookHandler(registry *Registry, apiKey, apiSecret string) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		keys:     auth.NewSimpleKeyProvider(apiKey, apiSecret),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event, err := webhook.ReceiveWebhookEvent(r, h.keys)
	if err != nil {
		slog.Warn("Rejected webhook", "error", err)
		http.Error(w, "invalid webhook", http.StatusUnauthorized)
		return
	}
	h.handle(r.Context(), event)
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handle(ctx context.Context, event *livekit.WebhookEvent) {
	room := event.GetRoom().GetName()
	if room == "" {
		room = event.GetEgressInfo().GetRoomName()
	}
	if room == "" {
		return
	}
	slog.Debug("Webhook received", "event", event.GetEvent(), "room", room)

	switch event.GetEvent() {
	case eventRoomStarted, eventParticipantJoined, eventParticipantLeft:
		if _, err := h.registry.Attach(ctx, room); err != nil {
			slog.Error("Failed to reconcile room", "room", room, "error", err)
		}
	case eventRoomFinished:
		h.registry.Finish(context.WithoutCancel(ctx), room)
	}
}
