package jingle

// Services is an external service discovery (STUN/TURN) payload.
type Services struct {
	Type     string    `xml:"type,attr,omitempty"`
	Services []Service `xml:"service"`
}

type Service struct {
	Type       string `xml:"type,attr"`
	Host       string `xml:"host,attr"`
	Port       int    `xml:"port,attr,omitempty"`
	Transport  string `xml:"transport,attr,omitempty"`
	Username   string `xml:"username,attr,omitempty"`
	Password   string `xml:"password,attr,omitempty"`
	Restricted bool   `xml:"restricted,attr,omitempty"`
}
