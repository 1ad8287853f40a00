package model

type SequenceStatus string

const (
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

type Sequence struct {
	ID     string
	Name   string
	Status SequenceStatus
}

// SequenceSummary is the listing shape for active sequences.
type SequenceSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StepCount int    `json:"stepCount"`
}

type DelayUnit string

const (
	Minutes DelayUnit = "minutes"
	Hours   DelayUnit = "hours"
	Days    DelayUnit = "days"
)

// Step is one templated message of a sequence. DelayValue/DelayUnit are
// measured from the completion of the previous step.
type Step struct {
	ID         string
	SequenceID string
	StepNumber int
	Subject    string
	FromName   string
	FromEmail  string
	ReplyTo    string
	BodyHTML   string
	BodyText   string
	DelayValue int
	DelayUnit  DelayUnit
	IsActive   bool
}

type StepDelay struct {
	Value int       `json:"value"`
	Unit  DelayUnit `json:"unit"`
}
