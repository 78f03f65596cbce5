package domain

import (
	"time"

	"github.com/google/uuid"
)

// ObservationID derives the stable identity of one hourly reading. It is a
// UUIDv5 in the URL namespace over "{group}-{company}-{plant}-{timestamp}",
// so the same plant and hour always map to the same id across runs.
func ObservationID(group, company, plant string, ts time.Time) string {
	key := group + "-" + company + "-" + plant + "-" + ts.Format(TimestampLayout)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
