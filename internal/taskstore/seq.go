package taskstore

import "strconv"

// Event IDs are decimal sequence numbers, monotonically increasing
// per task, so Last-Event-ID resumption is a simple comparison.

func formatSeq(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

func parseSeq(id string) int64 {
	if id == "" {
		return 0
	}
	seq, _ := strconv.ParseInt(id, 10, 64)
	return seq
}

// ParseSeq converts an event ID back into its sequence number.
// Empty or malformed IDs map to 0, before every real event. Exported
// so stream consumers can order and deduplicate events numerically;
// "10" comes after "9", which a string comparison gets wrong.
func ParseSeq(id string) int64 {
	return parseSeq(id)
}
