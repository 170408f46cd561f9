package protocol

// Message is the wire unit: a JSON object. Requests carry "action", responses carry
// "response".
type Message map[string]any

// Action returns the request action, or "" for responses and malformed input.
func (m Message) Action() Action {
	s, _ := m[KeyAction].(string)
	return Action(s)
}

// IsResponse reports whether the message carries a status code.
func (m Message) IsResponse() bool {
	_, ok := m.Response()
	return ok
}

// Response returns the status code of a response message.
func (m Message) Response() (int, bool) {
	n, ok := toInt64(m[KeyResponse])
	return int(n), ok
}

// Seq returns the correlation number, if any.
func (m Message) Seq() (uint64, bool) {
	n, ok := toInt64(m[KeySeq])
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// SetSeq stamps the correlation number.
func (m Message) SetSeq(seq uint64) {
	m[KeySeq] = int64(seq)
}

// Time returns the unix timestamp field.
func (m Message) Time() int64 {
	n, _ := toInt64(m[KeyTime])
	return n
}

// String returns a string field or "".
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Object returns a nested object field or nil.
func (m Message) Object(key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case Message:
		return v
	}
	return nil
}

// List returns a list field or nil.
func (m Message) List(key string) []any {
	switch v := m[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return nil
}

// Strings returns the string elements of a list field, skipping anything else.
func (m Message) Strings(key string) []string {
	items := m.List(key)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Reason returns the human readable text of a response.
func (m Message) Reason() string {
	if s := m.String(KeyError); s != "" {
		return s
	}
	return m.String(KeyAlert)
}

// WithData sets the "data" payload and returns m.
func (m Message) WithData(v any) Message {
	m[KeyData] = v
	return m
}

// WithList sets the "data_list" payload and returns m.
func (m Message) WithList(items []string) Message {
	list := make([]any, len(items))
	for i, s := range items {
		list[i] = s
	}
	m[KeyDataList] = list
	return m
}

// Clone returns a shallow copy.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
