package jingle

import (
	"encoding/xml"
	"fmt"
	"net"
	"strconv"

	"github.com/dkeye/jinglecall/internal/domain"
)

// Transport is an ice-udp or raw-udp transport description. The
// namespace lives in XMLName so both flavours share one type.
type Transport struct {
	XMLName      xml.Name
	Ufrag        string        `xml:"ufrag,attr,omitempty"`
	Pwd          string        `xml:"pwd,attr,omitempty"`
	RTCPMux      *Empty        `xml:"rtcp-mux,omitempty"`
	Fingerprints []Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates   []Candidate   `xml:"candidate"`
}

func NewTransport(ns string) *Transport {
	return &Transport{XMLName: xml.Name{Space: ns, Local: "transport"}}
}

func (t *Transport) Namespace() string { return t.XMLName.Space }

// Clone deep-copies t.
func (t *Transport) Clone() *Transport {
	if t == nil {
		return nil
	}
	out := *t
	out.Fingerprints = append([]Fingerprint(nil), t.Fingerprints...)
	out.Candidates = append([]Candidate(nil), t.Candidates...)
	if t.RTCPMux != nil {
		out.RTCPMux = &Empty{}
	}
	return &out
}

// Merge folds src into t: credentials and fingerprints replace empty
// ones, candidates are appended unless already present by key. It
// returns the candidates that were new.
func (t *Transport) Merge(src *Transport) []Candidate {
	if src == nil {
		return nil
	}
	if t.XMLName.Space == "" {
		t.XMLName = src.XMLName
	}
	if src.Ufrag != "" {
		t.Ufrag = src.Ufrag
	}
	if src.Pwd != "" {
		t.Pwd = src.Pwd
	}
	if src.RTCPMux != nil {
		t.RTCPMux = &Empty{}
	}
	if len(t.Fingerprints) == 0 && len(src.Fingerprints) > 0 {
		t.Fingerprints = append([]Fingerprint(nil), src.Fingerprints...)
	}
	seen := make(map[string]struct{}, len(t.Candidates))
	for _, c := range t.Candidates {
		seen[c.Key()] = struct{}{}
	}
	var added []Candidate
	for _, c := range src.Candidates {
		k := c.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		t.Candidates = append(t.Candidates, c)
		added = append(added, c)
	}
	return added
}

type Fingerprint struct {
	Hash  string `xml:"hash,attr"`
	Setup string `xml:"setup,attr,omitempty"`
	Value string `xml:",chardata"`
}

type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidatePrflx CandidateType = "prflx"
	CandidateRelay CandidateType = "relay"
)

type Candidate struct {
	Component  int               `xml:"component,attr"`
	Foundation string            `xml:"foundation,attr,omitempty"`
	Generation domain.Generation `xml:"generation,attr"`
	ID         string            `xml:"id,attr,omitempty"`
	IP         string            `xml:"ip,attr"`
	Network    int               `xml:"network,attr,omitempty"`
	Port       int               `xml:"port,attr"`
	Priority   uint32            `xml:"priority,attr,omitempty"`
	Protocol   string            `xml:"protocol,attr,omitempty"`
	RelAddr    string            `xml:"rel-addr,attr,omitempty"`
	RelPort    int               `xml:"rel-port,attr,omitempty"`
	Type       CandidateType     `xml:"type,attr,omitempty"`
}

// Key identifies a candidate for de-duplication: its id when present,
// otherwise its address tuple.
func (c Candidate) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return fmt.Sprintf("%d/%s/%s/%d/%s", c.Component, c.Foundation, c.IP, c.Port, c.Protocol)
}

func (c Candidate) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// HostPriority computes the RFC 8445 priority of a host candidate.
func HostPriority(component int) uint32 {
	const typePref, localPref = 126, 65535
	return uint32(typePref)<<24 | uint32(localPref)<<8 | uint32(256-component)
}
