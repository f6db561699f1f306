package worker

import "time"

// Business-hours window for callback slots.
const (
	openHour  = 9
	closeHour = 17
)

// NextCallbackSlot returns the next half-hour boundary inside business
// hours (09:00-17:00, closed Sunday), in now's location.
func NextCallbackSlot(now time.Time) time.Time {
	t := now.Truncate(30 * time.Minute).Add(30 * time.Minute)

	for {
		switch {
		case t.Weekday() == time.Sunday:
			t = openOn(t.AddDate(0, 0, 1))
		case t.Hour() < openHour:
			t = openOn(t)
		case t.Hour() >= closeHour:
			t = openOn(t.AddDate(0, 0, 1))
		default:
			return t
		}
	}
}

func openOn(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), openHour, 0, 0, 0, t.Location())
}
