package v1

import (
	"bytes"
	"encoding/json"
	"strings"
)

// requiredKeys lists every key an envelope must carry. reply_to is
// required as a key but may be null.
var requiredKeys = []string{"v", "id", "ts", "from", "to", "topic", "reply_to", "trace_id", "payload"}

// stringFields are validated in this order; each must decode to a
// non-empty trimmed string.
var stringFields = []string{"id", "trace_id", "from", "to", "topic", "ts"}

// Decode parses a raw text frame and validates it against the envelope
// schema. It returns a normalized Envelope or a *ProtocolError with one
// of the validation codes. It never panics, whatever the input.
func Decode(raw []byte) (Envelope, error) {
	if !json.Valid(raw) {
		return Envelope{}, errInvalidJSON(json.Unmarshal(raw, &struct{}{}))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Valid JSON that is not an object: every required key is absent.
		return Envelope{}, errMissingKeys(requiredKeys)
	}
	return validate(fields)
}

// validate checks a decoded envelope field map in schema order:
// key presence, version, payload shape, string fields, reply_to.
func validate(fields map[string]json.RawMessage) (Envelope, error) {
	var missing []string
	for _, key := range requiredKeys {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Envelope{}, errMissingKeys(missing)
	}

	var version int
	if err := json.Unmarshal(fields["v"], &version); err != nil || version != Version {
		return Envelope{}, errUnsupportedVersion(compactJSON(fields["v"]))
	}

	if !isJSONObject(fields["payload"]) {
		return Envelope{}, errInvalidPayload()
	}

	env := Envelope{V: version, Payload: fields["payload"]}
	for _, name := range stringFields {
		var value string
		if err := json.Unmarshal(fields[name], &value); err != nil || strings.TrimSpace(value) == "" {
			return Envelope{}, errInvalidField(name)
		}
		switch name {
		case "id":
			env.ID = value
		case "trace_id":
			env.TraceID = value
		case "from":
			env.From = value
		case "to":
			env.To = value
		case "topic":
			env.Topic = value
		case "ts":
			env.TS = value
		}
	}

	if !isJSONNull(fields["reply_to"]) {
		var replyTo string
		if err := json.Unmarshal(fields["reply_to"], &replyTo); err != nil {
			return Envelope{}, NewProtocolError(CodeInvalidField, "field reply_to must be null or a string")
		}
		env.ReplyTo = &replyTo
	}

	return env, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
