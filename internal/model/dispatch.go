package model

import "time"

// DispatchMessage is the payload handed to the delivery queue. The consumer
// must treat IdempotencyKey as its only duplicate-send guard.
type DispatchMessage struct {
	EnrollmentID   string     `json:"enrollmentId"`
	SubscriberID   string     `json:"subscriberId"`
	SequenceID     string     `json:"sequenceId"`
	StepID         string     `json:"stepId"`
	ToEmail        string     `json:"toEmail"`
	FromEmail      string     `json:"fromEmail"`
	FromName       string     `json:"fromName"`
	ReplyTo        string     `json:"replyTo,omitempty"`
	Subject        string     `json:"subject"`
	BodyHTML       string     `json:"bodyHtml"`
	BodyText       string     `json:"bodyText"`
	IdempotencyKey string     `json:"idempotencyKey"`
	StepNumber     int        `json:"stepNumber"`
	NextStepID     string     `json:"nextStepId,omitempty"`
	NextStepDelay  *StepDelay `json:"nextStepDelay,omitempty"`
}

type DispatchReport struct {
	Selected   int       `json:"selected"`
	Claimed    int       `json:"claimed"`
	Emitted    int       `json:"emitted"`
	Batches    int       `json:"batches"`
	Skipped    bool      `json:"skipped,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
