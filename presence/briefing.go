package presence

import (
	"context"
	"log/slog"

	"go-proctoring-server/records"
)

// WatchBriefing follows a participant's record and sends EventShowVideo each time the
// showVideo flag is raised, clearing it again so the video opens once per request.
func WatchBriefing(ctx context.Context, store records.Store, key string, reporter Reporter) (records.Unsubscribe, error) {
	return store.Subscribe(ctx, key, func(rec records.Record) {
		if !rec.ShowVideo {
			return
		}
		reporter.Report(Event{Type: EventShowVideo})
		if err := store.Update(ctx, key, records.Fields{records.FieldShowVideo: false}); err != nil {
			slog.Warn("Failed to clear showVideo", "key", key, "error", err)
		}
	})
}
