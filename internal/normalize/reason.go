package normalize

import "strconv"

// Doorbell completion reason codes.
const (
	ReasonTimedOut        = 105
	ReasonDeclined        = 106
	ReasonAdminUnlocked   = 107
	ReasonVisitorCanceled = 108
	ReasonOtherAdmin      = 400
)

var reasonDescriptions = map[int]string{
	ReasonTimedOut:        "doorbell timed out",
	ReasonDeclined:        "declined by admin",
	ReasonAdminUnlocked:   "admin unlocked door",
	ReasonVisitorCanceled: "visitor canceled",
	ReasonOtherAdmin:      "answered by another admin",
}

func ReasonDescription(code int) string {
	if d, ok := reasonDescriptions[code]; ok {
		return d
	}
	if code == 0 {
		return "no reason code"
	}
	return "unknown reason code " + strconv.Itoa(code)
}
