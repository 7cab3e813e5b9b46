package submission

import "time"

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// Submission is the slice of the marketplace's submission entity the
// settlement engine cares about: approval state and the paid flag.
type Submission struct {
	ID        string     `json:"id" gorm:"primaryKey;type:uuid"`
	TaskID    string     `json:"task_id" gorm:"column:task_id;not null;index"`
	WorkerID  string     `json:"worker_id" gorm:"column:worker_id;not null;index"`
	Status    Status     `json:"status" gorm:"column:status;not null;default:submitted"`
	Paid      bool       `json:"paid" gorm:"column:paid;not null;default:false"`
	PaidAt    *time.Time `json:"paid_at,omitempty" gorm:"column:paid_at"`
	CreatedAt time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

func (Submission) TableName() string {
	return "submissions"
}
