package mq

import (
	"context"
	"encoding/json"
)

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
}

// CleanupMessage asks the janitor to drop a departed actor's locks and
// presence. Sessions enqueue one on close; the janitor is the backstop for
// state the closing session could not release itself.
type CleanupMessage struct {
	DocId  string `json:"docId"`
	UserId string `json:"userId"`
}

func (c CleanupMessage) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeCleanupMessage(body string) (CleanupMessage, error) {
	var c CleanupMessage
	err := json.Unmarshal([]byte(body), &c)
	return c, err
}
