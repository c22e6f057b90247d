package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wecomagent/pkg/wecom"
)

// IDList is a recipient list that unmarshals from a JSON array of strings and
// numbers (["robin", 2]) or from a pipe-joined string ("robin|tom").
type IDList []string

func (l *IDList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*l = nil
		for _, id := range strings.Split(joined, "|") {
			if id = strings.TrimSpace(id); id != "" {
				*l = append(*l, id)
			}
		}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n int64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(n, 10))
			continue
		}
		return fmt.Errorf("recipient %s is neither a string nor an integer", item)
	}
	*l = result
	return nil
}

// Request is the transport-neutral JSON form of a send request accepted by the
// relay and the queue consumer. The payload sits under the key named by MsgType,
// as on the vendor wire.
type Request struct {
	ToUser                 IDList          `json:"touser,omitempty"`
	ToParty                IDList          `json:"toparty,omitempty"`
	ToTag                  IDList          `json:"totag,omitempty"`
	AgentID                int64           `json:"agentid,omitempty"`
	MsgType                string          `json:"msgtype"`
	Safe                   bool            `json:"safe,omitempty"`
	EnableIDTrans          bool            `json:"enable_id_trans,omitempty"`
	EnableDuplicateCheck   bool            `json:"enable_duplicate_check,omitempty"`
	DuplicateCheckInterval int             `json:"duplicate_check_interval,omitempty"` // seconds
	Payload                json.RawMessage `json:"-"`
}

// DecodeRequest parses a JSON send request. Malformed input is reported as a
// *wecom.ValidationError so callers can treat it like any other invalid request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &wecom.ValidationError{Field: "request", Reason: err.Error()}
	}
	if req.MsgType == "" {
		return Request{}, &wecom.ValidationError{Field: "msgtype", Reason: "is required"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Request{}, &wecom.ValidationError{Field: "request", Reason: err.Error()}
	}
	req.Payload = fields[req.MsgType]
	return req, nil
}

// MarshalJSON places the payload under its msgtype key.
func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	base, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Payload) == 0 || r.MsgType == "" {
		return base, nil
	}
	key, _ := json.Marshal(r.MsgType)
	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	buf.WriteByte(',')
	buf.Write(key)
	buf.WriteByte(':')
	buf.Write(r.Payload)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Message builds the outgoing message. defaultAgent is used when the request
// carries no agentid.
func (r Request) Message(defaultAgent int64) (*wecom.Message, error) {
	payload, err := wecom.DecodePayload(r.MsgType, r.Payload)
	if err != nil {
		return nil, err
	}

	agent := r.AgentID
	if agent == 0 {
		agent = defaultAgent
	}

	b := wecom.NewBuilder().
		ToUsers(r.ToUser...).
		ToParties(r.ToParty...).
		ToTags(r.ToTag...).
		FromAgent(agent).
		WithSafe(r.Safe).
		WithIDTrans(r.EnableIDTrans)
	if r.EnableDuplicateCheck {
		b = b.WithDuplicateCheck(true, time.Duration(r.DuplicateCheckInterval)*time.Second)
	}
	return b.Build(payload)
}
