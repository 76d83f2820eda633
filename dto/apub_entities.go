package dto

import (
	"encoding/json"
	"fmt"
)

type WebfingerResp struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type UserInfo struct {
	Context           any           `json:"@context"`
	Id                string        `json:"id"`
	Type              string        `json:"type"`
	PreferredUserName string        `json:"preferredUsername"`
	Name              string        `json:"name"`
	Summary           string        `json:"summary"`
	ManuallyApproves  bool          `json:"manuallyApprovesFollowers"`
	Published         string        `json:"published"`
	Inbox             string        `json:"inbox"`
	Outbox            string        `json:"outbox"`
	Followers         string        `json:"followers"`
	Following         string        `json:"following"`
	Endpoints         UserEndpoints `json:"endpoints"`
	PublicKey         PublicKey     `json:"publicKey"`
}

type UserEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type OrderedListSummary struct {
	Context    any     `json:"@context"`
	Id         string  `json:"id"`
	Type       string  `json:"type"`
	TotalItems uint    `json:"totalItems"`
	First      *string `json:"first,omitempty"`
	Last       *string `json:"last,omitempty"`
}

type OrderedListPage struct {
	Context      any     `json:"@context"`
	Id           string  `json:"id"`
	Type         string  `json:"type"`
	PartOf       string  `json:"partOf"`
	OrderedItems []any   `json:"orderedItems"`
	Next         *string `json:"next,omitempty"`
	Prev         *string `json:"prev,omitempty"`
}

func getRecipient(raw any) ([]string, error) {
	var res []string
	if raw == nil {
		return res, nil
	}
	if slice, ok := raw.([]interface{}); ok {
		for _, s := range slice {
			if str, ok := s.(string); ok {
				res = append(res, str)
			} else {
				return res, fmt.Errorf("list of recipients must only contain strings")
			}
		}
	} else if str, ok := raw.(string); ok {
		res = []string{str}
	} else {
		return res, fmt.Errorf("to, cc and bcc must be single string or array of strings")
	}
	return res, nil
}

// ActivityInBase is the first-pass parse of an inbound activity: enough to
// check the signature, find the type and the addressing. The object is
// re-parsed into its typed shape later.
type ActivityInBase struct {
	Id     string   `json:"id"`
	Type   string   `json:"type"`
	Actor  string   `json:"actor"`
	To     []string `json:"-"`
	RawTo  any      `json:"to"`
	Cc     []string `json:"-"`
	RawCc  any      `json:"cc"`
	Bcc    []string `json:"-"`
	RawBcc any      `json:"bcc"`
	Object any      `json:"object"`
}

func (x *ActivityInBase) UnmarshalJSON(data []byte) error {
	var err error
	type Y ActivityInBase
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getRecipient(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getRecipient(y.RawCc); err != nil {
		return err
	}
	if y.Bcc, err = getRecipient(y.RawBcc); err != nil {
		return err
	}
	return nil
}

// ObjectType digs the "type" field out of an embedded object, when the
// object is embedded at all and not a bare URI reference.
func (x *ActivityInBase) ObjectType() string {
	if objMap, ok := x.Object.(map[string]interface{}); ok {
		if objTypeStr, ok := objMap["type"].(string); ok {
			return objTypeStr
		}
	}
	return ""
}

// ObjectId returns the object's id: the string itself for URI references,
// the embedded object's "id" field otherwise.
func (x *ActivityInBase) ObjectId() string {
	if str, ok := x.Object.(string); ok {
		return str
	}
	if objMap, ok := x.Object.(map[string]interface{}); ok {
		if idStr, ok := objMap["id"].(string); ok {
			return idStr
		}
	}
	return ""
}

type ActivityIn[T any] struct {
	Id     string   `json:"id"`
	Type   string   `json:"type"`
	Actor  string   `json:"actor"`
	To     []string `json:"-"`
	RawTo  any      `json:"to"`
	Cc     []string `json:"-"`
	RawCc  any      `json:"cc"`
	Object T        `json:"object"`
}

func (x *ActivityIn[T]) UnmarshalJSON(data []byte) error {
	var err error
	type Y ActivityIn[T]
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getRecipient(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getRecipient(y.RawCc); err != nil {
		return err
	}
	return nil
}

// ActivityOut is the serialized form of an outbound activity. Bcc is carried
// for audience resolution only and is never written to the wire.
type ActivityOut struct {
	Context   any       `json:"@context,omitempty"`
	Id        string    `json:"id"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	Published string    `json:"published,omitempty"`
	To        *[]string `json:"to,omitempty"`
	Cc        *[]string `json:"cc,omitempty"`
	Bcc       []string  `json:"-"`
	Object    any       `json:"object,omitempty"`
}

// Addressing is the logical recipient sets of one activity, before
// resolution to concrete inboxes.
type Addressing struct {
	To  []string
	Cc  []string
	Bcc []string
}

func (a *Addressing) Union() []string {
	res := make([]string, 0, len(a.To)+len(a.Cc)+len(a.Bcc))
	res = append(res, a.To...)
	res = append(res, a.Cc...)
	res = append(res, a.Bcc...)
	return res
}

func AddressingOf(act *ActivityInBase) Addressing {
	return Addressing{To: act.To, Cc: act.Cc, Bcc: act.Bcc}
}
