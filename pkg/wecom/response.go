package wecom

import "strings"

// SendResponse is the vendor envelope returned by the message/send endpoint.
//
// Example:
//
//	{
//	  "errcode": 0,
//	  "errmsg": "ok",
//	  "invaliduser": "userid1|userid2",
//	  "invalidparty": "partyid1|partyid2",
//	  "invalidtag": "tagid1|tagid2",
//	  "unlicenseduser": "userid3|userid4",
//	  "msgid": "xxxx",
//	  "response_code": "xyzxyz"
//	}
type SendResponse struct {
	ErrCode        int    `json:"errcode"`
	ErrMsg         string `json:"errmsg"`
	InvalidUser    string `json:"invaliduser,omitempty"`
	InvalidParty   string `json:"invalidparty,omitempty"`
	InvalidTag     string `json:"invalidtag,omitempty"`
	UnlicensedUser string `json:"unlicenseduser,omitempty"`
	MsgID          string `json:"msgid,omitempty"`
	ResponseCode   string `json:"response_code,omitempty"`
}

// OK reports whether the vendor accepted the message.
func (r *SendResponse) OK() bool { return r.ErrCode == 0 }

// InvalidUsers returns the recipients the vendor could not resolve.
func (r *SendResponse) InvalidUsers() []string { return splitIDs(r.InvalidUser) }

func (r *SendResponse) InvalidParties() []string { return splitIDs(r.InvalidParty) }

func (r *SendResponse) InvalidTags() []string { return splitIDs(r.InvalidTag) }

func (r *SendResponse) UnlicensedUsers() []string { return splitIDs(r.UnlicensedUser) }

// tokenResponse is the gettoken envelope.
//
//	{"errcode": 0, "errmsg": "ok", "access_token": "accesstoken000001", "expires_in": 7200}
type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

const idSeparator = "|"

func joinIDs(ids []string) string {
	return strings.Join(ids, idSeparator)
}

// splitIDs is tolerant of the "a | b" spacing the vendor docs use.
func splitIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, idSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
