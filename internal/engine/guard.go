package engine

// IsSelfTriggered reports whether extra carries the marker this relay stamps
// on its own unlock commands. An unset key or value disables the guard.
func IsSelfTriggered(extra map[string]any, key, value string) bool {
	if key == "" || value == "" || extra == nil {
		return false
	}
	v, ok := extra[key].(string)
	return ok && v == value
}
