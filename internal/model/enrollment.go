package model

import "time"

type EnrollmentStatus string

const (
	Queued     EnrollmentStatus = "queued"
	Active     EnrollmentStatus = "active"
	Processing EnrollmentStatus = "processing"
	Completed  EnrollmentStatus = "completed"
	Failed     EnrollmentStatus = "failed"
	Paused     EnrollmentStatus = "paused"
)

// Dispatchable reports whether rows in this status are eligible for selection
// by the dispatcher.
func (s EnrollmentStatus) Dispatchable() bool {
	return s == Queued || s == Active
}

type Enrollment struct {
	ID                string
	SubscriberID      string
	SequenceID        string
	CurrentStepNumber int
	NextStepID        string
	NextExecutionTime *time.Time
	Status            EnrollmentStatus
	LastError         *string
	UpdatedAt         time.Time
}

// DueEnrollment is an enrollment joined with its subscriber and the step that
// is due, as selected by the dispatcher.
type DueEnrollment struct {
	EnrollmentID      string
	SequenceID        string
	CurrentStepNumber int
	NextExecutionTime time.Time
	Subscriber        Subscriber
	Step              Step
}
