package coordstore

import "time"

// nowFunc is overridden in tests to exercise expiry boundaries
// deterministically (e.g. "a lock whose expiresAt equals now is expired").
var nowFunc = time.Now

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
