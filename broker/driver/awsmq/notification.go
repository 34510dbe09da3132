package awsmq

import "encoding/json"

// notification is the JSON wrapper the topic service applies when it fans a
// published message out to a subscriber queue with raw delivery disabled.
// The envelope the producer published sits in the Message field as a string.
type notification struct {
	Type      string `json:"Type"`
	MessageId string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

// unwrapNotification returns the inner message when body carries a topic
// notification wrapper, and body unchanged otherwise. Messages sent straight
// to a queue have no wrapper and pass through untouched.
func unwrapNotification(body []byte) []byte {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return body
	}
	if n.Type != "Notification" || n.Message == "" {
		return body
	}
	return []byte(n.Message)
}
