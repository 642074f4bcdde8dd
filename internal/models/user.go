package models

import "time"

// User is one online member of the room. IDs are opaque: clients may bring
// their own or get one assigned by the transport on connect. Nickname is
// unique among currently-online users, compared case-insensitively.
type User struct {
	ID         string    `json:"id"`
	Nickname   string    `json:"nickname"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Diff is the result of comparing two presence snapshots by id set.
type Diff struct {
	Joined []User `json:"joined"`
	Left   []User `json:"left"`
}

// Empty reports whether the diff carries no membership change.
func (d Diff) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0
}

// JoinRequest is the body of POST /api/join.
type JoinRequest struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname" binding:"required"`
}

// LeaveRequest is the body of POST /api/leave.
type LeaveRequest struct {
	UserID string `json:"userId" binding:"required"`
	Reason string `json:"reason,omitempty"`
}

// HeartbeatRequest is the body of POST /api/heartbeat.
type HeartbeatRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// CheckNicknameRequest is the body of POST /api/check-nickname.
type CheckNicknameRequest struct {
	Nickname string `json:"nickname" binding:"required"`
}

// CheckNicknameResponse reports whether a nickname is already held by an
// online user.
type CheckNicknameResponse struct {
	Exists bool `json:"exists"`
}
