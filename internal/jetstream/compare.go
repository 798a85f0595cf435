package jetstream

import (
	"slices"

	"github.com/nats-io/nats.go"
)

// streamConfigEqual compares the stream properties SetupStream manages.
func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Retention == b.Retention &&
		a.MaxMsgs == b.MaxMsgs &&
		a.MaxAge == b.MaxAge &&
		a.Storage == b.Storage &&
		a.Duplicates == b.Duplicates &&
		slices.Equal(a.Subjects, b.Subjects)
}

// consumerConfigEqual compares the consumer properties SetupConsumer manages.
func consumerConfigEqual(a, b nats.ConsumerConfig) bool {
	return a.Durable == b.Durable &&
		a.AckPolicy == b.AckPolicy &&
		a.DeliverGroup == b.DeliverGroup &&
		a.MaxDeliver == b.MaxDeliver &&
		a.AckWait == b.AckWait &&
		slices.Equal(a.FilterSubjects, b.FilterSubjects)
}
