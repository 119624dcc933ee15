package models

// MessageStatus is the delivery state of a message.
// Statuses only move forward: pending → sent → delivered → read,
// with failed reachable from pending or sent.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func (s MessageStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Rank is the ordinal of s in the forward progression; failed has no rank.
func (s MessageStatus) Rank() (int, bool) {
	r, ok := statusRank[s]
	return r, ok
}

// CanTransition reports whether a message in status from may move to status to.
func CanTransition(from, to MessageStatus) bool {
	if to == StatusFailed {
		return from == StatusPending || from == StatusSent
	}
	if from == StatusFailed {
		return false
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	return ok1 && ok2 && tr > fr
}

// Predecessors lists every status that may move to to.
func Predecessors(to MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}
