package models

import "time"

// PcMessage is a one-way note from the command post to one role, or to
// every role when TargetRole is nil.
type PcMessage struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Content    string     `gorm:"type:text;not null" json:"content"`
	TargetRole *Role      `gorm:"size:16;index" json:"target_role,omitempty"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// DeliversTo reports whether the message is addressed to role. The
// command post sees every message it sent.
func (m PcMessage) DeliversTo(role Role) bool {
	if role.IsCommand() || m.TargetRole == nil {
		return true
	}
	return *m.TargetRole == role
}
