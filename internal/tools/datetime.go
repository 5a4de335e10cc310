package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/voicelayer/sonicgate/internal/auth"
)

// RegisterDateTime adds the pure date/time lookup tool. clock is injectable
// for tests; nil means time.Now.
func RegisterDateTime(r *Registry, clock func() time.Time) error {
	if clock == nil {
		clock = time.Now
	}
	def := Definition{
		Name:        "getDateAndTime",
		Description: "Returns the current date and time, including the day of the week and the server time zone.",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	}
	return r.Register(def, func(_ context.Context, _ json.RawMessage, _ auth.Identity) Result {
		now := clock()
		return Succeed(map[string]any{
			"formattedTime": now.Format("2006-01-02 15:04:05"),
			"date":          now.Format("2006-01-02"),
			"year":          now.Year(),
			"month":         int(now.Month()),
			"day":           now.Day(),
			"dayOfWeek":     now.Weekday().String(),
			"timezone":      now.Location().String(),
		})
	})
}
