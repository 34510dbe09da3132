package events

import "strings"

// Queue and Topic names form a closed catalog: every send, receive and
// publish call must reference one of the names below. Queue and topic
// namespaces are disjoint.
type (
	Queue string
	Topic string
)

// DeadLetterSuffix is appended to a queue name to derive its dead-letter
// destination. Dead-letter queues are receivable like any other queue.
const DeadLetterSuffix = "-dlq"

const (
	QueueTaskCreated           Queue = "task-created"
	QueueTaskCompleted         Queue = "task-completed"
	QueueBillingInvoiceCreated Queue = "billing-invoice-created"
	QueueBillingPaymentSettled Queue = "billing-payment-settled"
	QueueDocumentUploaded      Queue = "document-uploaded"
	QueueDocumentProcessed     Queue = "document-processed"
	QueueAssessmentSubmitted   Queue = "assessment-submitted"
	QueueAssessmentScored      Queue = "assessment-scored"
)

const (
	TopicTenantCreated   Topic = "tenant-created"
	TopicTenantUpdated   Topic = "tenant-updated"
	TopicUserRegistered  Topic = "user-registered"
	TopicUserDeactivated Topic = "user-deactivated"
)

var queueCatalog = map[Queue]struct{}{
	QueueTaskCreated:           {},
	QueueTaskCompleted:         {},
	QueueBillingInvoiceCreated: {},
	QueueBillingPaymentSettled: {},
	QueueDocumentUploaded:      {},
	QueueDocumentProcessed:     {},
	QueueAssessmentSubmitted:   {},
	QueueAssessmentScored:      {},
}

var topicCatalog = map[Topic]struct{}{
	TopicTenantCreated:   {},
	TopicTenantUpdated:   {},
	TopicUserRegistered:  {},
	TopicUserDeactivated: {},
}

func (q Queue) String() string {
	return string(q)
}

// DeadLetter returns the dead-letter destination for q.
func (q Queue) DeadLetter() Queue {
	return q + DeadLetterSuffix
}

func (q Queue) IsDeadLetter() bool {
	return strings.HasSuffix(string(q), DeadLetterSuffix)
}

// Valid reports whether q is a catalog queue or the dead-letter
// destination of a catalog queue.
func (q Queue) Valid() bool {
	if _, ok := queueCatalog[q]; ok {
		return true
	}
	if !q.IsDeadLetter() {
		return false
	}
	base := Queue(strings.TrimSuffix(string(q), DeadLetterSuffix))
	_, ok := queueCatalog[base]
	return ok
}

func (t Topic) String() string {
	return string(t)
}

func (t Topic) Valid() bool {
	_, ok := topicCatalog[t]
	return ok
}

// Queues returns the catalog of queue names, dead-letter destinations
// excluded.
func Queues() []Queue {
	out := make([]Queue, 0, len(queueCatalog))
	for q := range queueCatalog {
		out = append(out, q)
	}
	return out
}

// Topics returns the catalog of topic names.
func Topics() []Topic {
	out := make([]Topic, 0, len(topicCatalog))
	for t := range topicCatalog {
		out = append(out, t)
	}
	return out
}
