package wecom

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// AllUsers addresses every member within the agent's visible range.
	AllUsers = "@all"

	defaultDuplicateCheckInterval = 1800 * time.Second
	maxDuplicateCheckInterval     = 4 * time.Hour
)

// Message is a built application message. It is immutable: accessors return copies.
type Message struct {
	agentID  int64
	users    []string
	parties  []string
	tags     []string
	payload  Payload
	safe     bool
	idTrans  bool
	dupCheck bool
	interval time.Duration
}

func (m *Message) AgentID() int64 { return m.agentID }
func (m *Message) Users() []string { return append([]string(nil), m.users...) }
func (m *Message) Parties() []string { return append([]string(nil), m.parties...) }
func (m *Message) Tags() []string { return append([]string(nil), m.tags...) }
func (m *Message) Payload() Payload { return m.payload }
func (m *Message) Safe() bool { return m.safe }
func (m *Message) DuplicateCheck() bool { return m.dupCheck }

// MsgType is empty for a Message that was not produced by Build.
func (m *Message) MsgType() string {
	if m.payload == nil {
		return ""
	}
	return m.payload.MsgType()
}

// MarshalJSON renders the vendor request body. The payload is nested under its own
// msgtype key, e.g. {"msgtype": "text", "text": {"content": "..."}}.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.payload == nil {
		return nil, &ValidationError{Field: "msgtype", Reason: "payload is required"}
	}
	body := map[string]any{
		"msgtype":                  m.payload.MsgType(),
		"agentid":                  m.agentID,
		m.payload.MsgType():        m.payload,
		"safe":                     boolFlag(m.safe),
		"enable_id_trans":          boolFlag(m.idTrans),
		"enable_duplicate_check":   boolFlag(m.dupCheck),
		"duplicate_check_interval": int64(m.interval / time.Second),
	}
	if len(m.users) > 0 {
		body["touser"] = joinIDs(m.users)
	}
	if len(m.parties) > 0 {
		body["toparty"] = joinIDs(m.parties)
	}
	if len(m.tags) > 0 {
		body["totag"] = joinIDs(m.tags)
	}
	return json.Marshal(body)
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Builder stages the fields of a Message. Nothing is validated until Build.
type Builder struct {
	agentID  int64
	users    []string
	parties  []string
	tags     []string
	safe     bool
	idTrans  bool
	dupCheck bool
	interval time.Duration
}

func NewBuilder() *Builder {
	return &Builder{interval: defaultDuplicateCheckInterval}
}

// ToUsers appends user IDs. Order is preserved in the "touser" field.
func (b *Builder) ToUsers(ids ...string) *Builder {
	b.users = append(b.users, ids...)
	return b
}

// ToParties appends department IDs.
func (b *Builder) ToParties(ids ...string) *Builder {
	b.parties = append(b.parties, ids...)
	return b
}

func (b *Builder) ToTags(ids ...string) *Builder {
	b.tags = append(b.tags, ids...)
	return b
}

// ToAll addresses every user visible to the agent; other user IDs are dropped.
func (b *Builder) ToAll() *Builder {
	b.users = []string{AllUsers}
	return b
}

func (b *Builder) FromAgent(agentID int64) *Builder {
	b.agentID = agentID
	return b
}

// WithSafe marks the message confidential (watermarked, not forwardable).
func (b *Builder) WithSafe(safe bool) *Builder {
	b.safe = safe
	return b
}

// WithIDTrans enables ID translation in the rendered content.
func (b *Builder) WithIDTrans(enable bool) *Builder {
	b.idTrans = enable
	return b
}

// WithDuplicateCheck makes the vendor drop identical messages sent within interval.
// A zero interval keeps the default of 30 minutes.
func (b *Builder) WithDuplicateCheck(enable bool, interval time.Duration) *Builder {
	b.dupCheck = enable
	if interval > 0 {
		b.interval = interval
	}
	return b
}

// Build validates the staged fields and returns an immutable Message.
func (b *Builder) Build(payload Payload) (*Message, error) {
	users := nonEmpty(b.users)
	parties := nonEmpty(b.parties)
	tags := nonEmpty(b.tags)

	if len(users)+len(parties)+len(tags) == 0 {
		return nil, &ValidationError{Field: "recipients", Reason: "at least one user, party or tag is required"}
	}
	if b.agentID <= 0 {
		return nil, &ValidationError{Field: "agentid", Reason: "must be set to a positive agent ID"}
	}
	if payload == nil {
		return nil, &ValidationError{Field: "msgtype", Reason: "payload is required"}
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	if b.interval > maxDuplicateCheckInterval {
		return nil, &ValidationError{
			Field:  "duplicate_check_interval",
			Reason: fmt.Sprintf("must not exceed %s", maxDuplicateCheckInterval),
		}
	}

	return &Message{
		agentID:  b.agentID,
		users:    users,
		parties:  parties,
		tags:     tags,
		payload:  payload,
		safe:     b.safe,
		idTrans:  b.idTrans,
		dupCheck: b.dupCheck,
		interval: b.interval,
	}, nil
}

// nonEmpty copies ids, skipping blanks, so later builder calls cannot alter a Message.
func nonEmpty(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
