package model

type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
)

type Subscriber struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Company   string
	Status    SubscriberStatus
	Segment   string
}
