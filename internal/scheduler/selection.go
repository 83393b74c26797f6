// Package scheduler decides which users receive a record-now request on a
// given minute and drives the per-minute fan-out that provisions a
// livestream and sends the notification.
package scheduler

import (
	"fmt"
	"hash/fnv"
	"time"

	"swabbr-live/internal/models"
)

const (
	// Requests only go out between 09:00 and 22:00 local time.
	windowStartMinute = 9 * 60
	windowEndMinute   = 22 * 60
	windowLength      = windowEndMinute - windowStartMinute
)

// SelectUsersForMinute returns the candidates whose daily slots land on the
// given UTC minute. Slot placement is a pure function of the user ID and the
// user's local calendar day: a stable per-day hash picks a base minute
// inside the send window and the user's remaining requests spread evenly
// from there. Re-running the same minute always selects the same users.
func SelectUsersForMinute(candidates []models.EligibilityRecord, minuteUTC time.Time) []models.EligibilityRecord {
	minuteUTC = minuteUTC.UTC().Truncate(time.Minute)

	var selected []models.EligibilityRecord
	for _, candidate := range candidates {
		if candidate.DailyRequestCount >= candidate.DailyRequestLimit {
			continue
		}
		local := minuteUTC.Add(time.Duration(candidate.UTCOffsetMinutes) * time.Minute)
		localMinute := local.Hour()*60 + local.Minute()
		if localMinute < windowStartMinute || localMinute >= windowEndMinute {
			continue
		}
		if onSlot(candidate, local, localMinute-windowStartMinute) {
			selected = append(selected, candidate)
		}
	}
	return selected
}

// onSlot reports whether the window-relative minute is one of the user's
// slots for the local day.
func onSlot(candidate models.EligibilityRecord, local time.Time, windowMinute int) bool {
	slots := candidate.DailyRequestLimit
	if slots < 1 {
		return false
	}
	if slots > windowLength {
		slots = windowLength
	}

	base := int(dayHash(candidate.UserID, local) % uint32(windowLength))
	for k := 0; k < slots; k++ {
		if (base+k*windowLength/slots)%windowLength == windowMinute {
			return true
		}
	}
	return false
}

// dayHash folds the user ID and the local calendar day into a stable
// 32-bit value.
func dayHash(userID string, local time.Time) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%s", userID, local.Format("2006-01-02"))
	return h.Sum32()
}
