package dto

import (
	"encoding/json"
)

// Event is the content object for event federation: what a Create/Update
// activity carries when an instance publishes an event.
type Event struct {
	Context      string   `json:"@context,omitempty"`
	Id           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Content      string   `json:"content,omitempty"`
	Published    string   `json:"published,omitempty"`
	StartTime    string   `json:"startTime,omitempty"`
	EndTime      string   `json:"endTime,omitempty"`
	Location     string   `json:"location,omitempty"`
	AttributedTo string   `json:"attributedTo"`
	To           []string `json:"-"`
	RawTo        any      `json:"to,omitempty"`
	Cc           []string `json:"-"`
	RawCc        any      `json:"cc,omitempty"`
}

func (x *Event) UnmarshalJSON(data []byte) error {
	var err error
	type Y Event
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

func (x *Event) MarshalJSON() ([]byte, error) {
	type Y Event
	var y = (*Y)(x)
	y.RawTo = y.To
	y.RawCc = y.Cc
	return json.Marshal(y)
}

// Note is the content object for comments on events.
type Note struct {
	Context      string   `json:"@context,omitempty"`
	Id           string   `json:"id"`
	Type         string   `json:"type"`
	Published    string   `json:"published,omitempty"`
	AttributedTo string   `json:"attributedTo"`
	InReplyTo    *string  `json:"inReplyTo,omitempty"`
	Content      string   `json:"content"`
	To           []string `json:"-"`
	RawTo        any      `json:"to,omitempty"`
	Cc           []string `json:"-"`
	RawCc        any      `json:"cc,omitempty"`
}

func (x *Note) UnmarshalJSON(data []byte) error {
	var err error
	type Y Note
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

func (x *Note) MarshalJSON() ([]byte, error) {
	type Y Note
	var y = (*Y)(x)
	y.RawTo = y.To
	y.RawCc = y.Cc
	return json.Marshal(y)
}
