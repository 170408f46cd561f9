package models

import "time"

type User struct {
	ID        int64
	Login     string
	PublicKey string
	LastLogin time.Time
}

type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}

type LoginRecord struct {
	Login string
	IP    string
	Port  int
	At    time.Time
}

// UserStats counts messages a user sent and received.
type UserStats struct {
	Login    string
	Sent     int
	Received int
}
