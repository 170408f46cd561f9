// Package protocol implements the chat relay wire format: JSON objects carried in
// length-prefixed frames over a stream socket.
package protocol

import (
	"time"
)

// Action names a request kind.
type Action string

const (
	ActionPresence     Action = "PRESENCE"
	ActionAuth         Action = "AUTH"
	ActionMessage      Action = "MESSAGE"
	ActionExit         Action = "EXIT"
	ActionJoin         Action = "JOIN"
	ActionGetContacts  Action = "GET_CONTACTS"
	ActionAddContact   Action = "ADD_CONTACT"
	ActionDelContact   Action = "DEL_CONTACT"
	ActionGetUsers     Action = "GET_USERS"
	ActionPublicKeyReq Action = "PUBLIC_KEY_REQUEST"
)

// Status codes carried in the "response" field.
const (
	OK          = 200
	Accepted    = 202
	ListUpdate  = 205 // unsolicited: refresh user and contact lists
	JSONError   = 400
	AuthNoUser  = 404
	AuthProcess = 511 // challenge in progress, or public key reply
)

// Field names.
const (
	KeyAction      = "action"
	KeyTime        = "time"
	KeySeq         = "seq"
	KeyUser        = "user"
	KeyAccountName = "account_name"
	KeyStatus      = "status"
	KeyPublicKey   = "public_key"
	KeyTo          = "to"
	KeyFrom        = "from"
	KeyMessage     = "message"
	KeyUserLogin   = "user_login"
	KeyUserID      = "user_id"
	KeyResponse    = "response"
	KeyAlert       = "alert"
	KeyError       = "error"
	KeyData        = "data"
	KeyDataList    = "data_list"
)

// Known reports whether a is one of the protocol actions.
func (a Action) Known() bool {
	switch a {
	case ActionPresence, ActionAuth, ActionMessage, ActionExit, ActionJoin,
		ActionGetContacts, ActionAddContact, ActionDelContact, ActionGetUsers,
		ActionPublicKeyReq:
		return true
	}
	return false
}

// IsError reports whether code belongs to the error range, whose text travels in
// the "error" field instead of "alert".
func IsError(code int) bool {
	return code >= 400 && code <= 500
}

func now() int64 {
	return time.Now().Unix()
}

// NewRequest returns a request message stamped with the current time.
func NewRequest(action Action) Message {
	return Message{
		KeyAction: string(action),
		KeyTime:   now(),
	}
}

// Presence builds the identity announcement that opens a session.
func Presence(name, status, publicKey string) Message {
	m := NewRequest(ActionPresence)
	m[KeyUser] = map[string]any{
		KeyAccountName: name,
		KeyStatus:      status,
		KeyPublicKey:   publicKey,
	}
	return m
}

// AuthAnswer carries the client's keyed hash over the server nonce.
func AuthAnswer(digest string) Message {
	m := NewRequest(ActionAuth)
	m[KeyData] = digest
	return m
}

// TextMessage builds a user-to-user text message.
func TextMessage(from, to, text string) Message {
	m := NewRequest(ActionMessage)
	m[KeyFrom] = from
	m[KeyTo] = to
	m[KeyMessage] = text
	return m
}

// ContactRequest builds ADD_CONTACT or DEL_CONTACT.
func ContactRequest(action Action, owner, contact string) Message {
	m := NewRequest(action)
	m[KeyUserLogin] = owner
	m[KeyUserID] = contact
	return m
}

// ListRequest builds GET_USERS or GET_CONTACTS.
func ListRequest(action Action, owner string) Message {
	m := NewRequest(action)
	m[KeyUserLogin] = owner
	return m
}

// PublicKeyRequest asks the server for the public key stored for name.
func PublicKeyRequest(name string) Message {
	m := NewRequest(ActionPublicKeyReq)
	m[KeyUser] = map[string]any{KeyAccountName: name}
	return m
}

// Exit announces an orderly disconnect.
func Exit(name string) Message {
	m := NewRequest(ActionExit)
	m[KeyAccountName] = name
	return m
}

// NewResponse builds a response. Text goes to "error" for error codes and to
// "alert" otherwise; empty text is omitted.
func NewResponse(code int, text string) Message {
	m := Message{
		KeyResponse: int64(code),
		KeyTime:     now(),
	}
	if text != "" {
		if IsError(code) {
			m[KeyError] = text
		} else {
			m[KeyAlert] = text
		}
	}
	return m
}
