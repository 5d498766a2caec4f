package jingle

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// Marshal encodes a stanza for the wire.
func Marshal(v any) ([]byte, error) {
	if iq, ok := v.(*IQ); ok && iq.XMLName.Local == "" {
		iq.XMLName = iqName
	}
	return xml.Marshal(v)
}

// RootName returns the name of the first element in data.
func RootName(data []byte) (xml.Name, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return xml.Name{}, fmt.Errorf("%w: empty document", ErrMalformed)
		}
		if err != nil {
			return xml.Name{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name, nil
		}
	}
}

// DecodeIQ parses one iq stanza.
func DecodeIQ(data []byte) (*IQ, error) {
	name, err := RootName(data)
	if err != nil {
		return nil, err
	}
	if name.Local != "iq" {
		return nil, ErrNotIQ
	}
	var iq IQ
	if err := xml.Unmarshal(data, &iq); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &iq, nil
}
