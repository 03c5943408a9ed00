package dto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
)

type WebfingerResp struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type UserInfo struct {
	Context           any       `json:"@context,omitempty"`
	Id                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUserName string    `json:"preferredUsername"`
	Name              string    `json:"name,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Published         string    `json:"published,omitempty"`
	Inbox             string    `json:"inbox"`
	Outbox            string    `json:"outbox,omitempty"`
	Followers         string    `json:"followers,omitempty"`
	PublicKey         PublicKey `json:"publicKey"`
}

type PublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
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
		return res, fmt.Errorf("to and cc must be single string or array of strings")
	}
	return res, nil
}

// ActivityInBase is the rudimentary parse of any incoming activity: enough to
// check the signature, route on type, and inspect the object's type.
type ActivityInBase struct {
	Id     string   `json:"id"`
	Type   string   `json:"type"`
	Actor  string   `json:"actor"`
	To     []string `json:"-"`
	RawTo  any      `json:"to"`
	Cc     []string `json:"-"`
	RawCc  any      `json:"cc"`
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
	return nil
}

// ObjectType returns the nested object's type field, or "" if the object is
// not a JSON object or carries no type.
func (x *ActivityInBase) ObjectType() string {
	if objMap, ok := x.Object.(map[string]interface{}); ok {
		if objTypeStr, ok := objMap["type"].(string); ok {
			return objTypeStr
		}
	}
	return ""
}

// ObjectUrl returns the object field when it is a plain string reference,
// or the nested object's id when it is an embedded object.
func (x *ActivityInBase) ObjectUrl() string {
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

type ActivityOut struct {
	Context any       `json:"@context"`
	Id      string    `json:"id"`
	Type    string    `json:"type"`
	Actor   string    `json:"actor"`
	To      *[]string `json:"to,omitempty"`
	Cc      *[]string `json:"cc,omitempty"`
	Object  any       `json:"object,omitempty"`
}

type Note struct {
	Context      string   `json:"@context,omitempty"`
	Id           string   `json:"id"`
	Type         string   `json:"type"`
	Published    string   `json:"published"`
	Updated      string   `json:"updated,omitempty"`
	AttributedTo string   `json:"attributedTo"`
	InReplyTo    *string  `json:"inReplyTo,omitempty"`
	To           []string `json:"-"`
	RawTo        any      `json:"to"`
	Cc           []string `json:"-"`
	RawCc        any      `json:"cc,omitempty"`
	Content      string   `json:"content"`
	Tag          []Tag    `json:"-"`
	RawTag       any      `json:"tag,omitempty"`
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
	if y.Tag, err = getTags(y.RawTag); err != nil {
		return err
	}
	return nil
}

func (x *Note) MarshalJSON() ([]byte, error) {
	type Y Note
	var y = (*Y)(x)
	y.RawTo = y.To
	if y.Cc != nil {
		y.RawCc = y.Cc
	}
	if y.Tag != nil {
		y.RawTag = y.Tag
	}
	return json.Marshal(y)
}

type Tag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

func getTags(raw any) ([]Tag, error) {
	// No value is legit
	if raw == nil {
		return nil, nil
	}

	retrieve := func(obj map[string]interface{}) (*Tag, error) {
		var tag Tag
		var ok bool
		if tag.Href, ok = obj["href"].(string); !ok {
			return nil, errors.New("invalid data in tag's 'href' property; string expected")
		}
		if tag.Name, ok = obj["name"].(string); !ok {
			return nil, errors.New("invalid data in tag's 'name' property; string expected")
		}
		if tag.Type, ok = obj["type"].(string); !ok {
			return nil, errors.New("invalid data in tag's 'type' property; string expected")
		}
		return &tag, nil
	}

	// Single Tag object
	if obj, ok := raw.(map[string]interface{}); ok {
		tag, err := retrieve(obj)
		if err != nil {
			return nil, err
		}
		return []Tag{*tag}, nil
	}
	// Array
	if slice, ok := raw.([]interface{}); ok {
		var res []Tag
		for _, s := range slice {
			obj, ok := s.(map[string]interface{})
			if !ok {
				return nil, errors.New("unexpected item in 'tag' array; must only contain tag objects")
			}
			tag, err := retrieve(obj)
			if err != nil {
				return nil, err
			}
			res = append(res, *tag)
		}
		return res, nil
	}
	return nil, errors.New("invalid data in 'tag' property")
}
