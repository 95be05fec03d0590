package ytapi

import (
	"time"
	_ "time/tzdata"
)

const (
	// CallCost is the quota charged for one liveChatMessages.list call.
	CallCost = 5
	// DailyQuota is the default project allowance.
	DailyQuota = 10_000
	// MinPollInterval is the floor applied to pollingIntervalMillis.
	MinPollInterval = 5 * time.Second
)

var pacific = loadPacific()

func loadPacific() *time.Location {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		return time.FixedZone("PST", -8*60*60)
	}
	return loc
}

// NextReset returns the next quota epoch: midnight America/Los_Angeles.
func NextReset(now time.Time) time.Time {
	local := now.In(pacific)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, pacific)
}

// Remaining estimates the quota left after used units.
func Remaining(used int) int {
	left := DailyQuota - used
	if left < 0 {
		return 0
	}
	return left
}
