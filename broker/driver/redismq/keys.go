package redismq

import "github.com/infigaming-com/go-events/events"

// keyspace derives every redis key the broker touches from one prefix so
// multiple environments can share a redis instance.
type keyspace string

// queue holds receivable messages: LPush new, RPop oldest.
func (k keyspace) queue(q events.Queue) string {
	return string(k) + "queue:" + q.String()
}

// delayed holds not-yet-receivable messages scored by the unix-milli
// timestamp at which they become due.
func (k keyspace) delayed(q events.Queue) string {
	return string(k) + "delayed:" + q.String()
}

// processing maps receipt handle to the serialized transport message
// while it is checked out.
func (k keyspace) processing(q events.Queue) string {
	return string(k) + "processing:" + q.String()
}

// pending scores each in-flight receipt handle by its visibility
// deadline in unix millis; the reclaim sweep scans it.
func (k keyspace) pending(q events.Queue) string {
	return string(k) + "pending:" + q.String()
}

func (k keyspace) topic(t events.Topic) string {
	return string(k) + "topic:" + t.String()
}

func (k keyspace) reclaimLock(q events.Queue) string {
	return string(k) + "reclaim:" + q.String()
}
