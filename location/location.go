// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package location implements the Location Message wire format: a GNSS fix
// encoded as a 3-element JSON array so it can travel over the same UDP
// payload channel as an ordinary text message.
package location

import (
	"encoding/json"
	"strings"
)

// tag is the first element of every encoded Location Message.
const tag = "LOCATION"

// Message is a GNSS fix expressed as decimal-degree strings, preserving the
// six-decimal precision of the source coordinates without a round trip
// through float arithmetic.
type Message struct {
	Latitude  string
	Longitude string
}

// New builds a Message from the decimal-string latitude and longitude.
func New(lat, lon string) Message {
	return Message{Latitude: lat, Longitude: lon}
}

// Encode serializes m as the JSON array ["LOCATION", lat, lon]. Elements
// are joined with ", " — the harvest decoder was built against that exact
// framing, so the separator is part of the wire format, not style.
func (m Message) Encode() (string, error) {
	elems := make([]string, 0, 3)
	for _, s := range []string{tag, m.Latitude, m.Longitude} {
		b, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		elems = append(elems, string(b))
	}
	return "[" + strings.Join(elems, ", ") + "]", nil
}

// Decode recognizes data as a Location Message iff it parses as a JSON
// array of length 3 whose first element is the literal string "LOCATION".
// Any other valid or invalid JSON yields ok == false, not an error: this is
// a classifier over arbitrary UDP payload text, not a strict unmarshal.
func Decode(data string) (m Message, ok bool) {
	var parsed []json.RawMessage
	if err := json.Unmarshal([]byte(data), &parsed); err != nil || len(parsed) != 3 {
		return Message{}, false
	}
	var elems [3]string
	for i, raw := range parsed {
		if err := json.Unmarshal(raw, &elems[i]); err != nil {
			return Message{}, false
		}
	}
	if elems[0] != tag {
		return Message{}, false
	}
	return Message{Latitude: elems[1], Longitude: elems[2]}, true
}
