package jingle

import (
	"fmt"

	"github.com/dkeye/jinglecall/internal/domain"
)

// ValidateOffer checks that every content of a session-initiate or
// content-add names its media and carries a transport of namespace ns.
func (j *Jingle) ValidateOffer(ns string) error {
	if j.SID == "" {
		return fmt.Errorf("%w: missing sid", ErrMalformed)
	}
	if len(j.Contents) == 0 {
		return fmt.Errorf("%w: %w", ErrMalformed, ErrNoContents)
	}
	for i := range j.Contents {
		c := &j.Contents[i]
		if c.Name == "" {
			return fmt.Errorf("%w: content without name", ErrMalformed)
		}
		if c.Description == nil {
			return fmt.Errorf("%w: content %q has no description", ErrMalformed, c.Name)
		}
		if _, err := domain.ParseMediaType(string(c.Media())); err != nil {
			return fmt.Errorf("%w: content %q: %w", ErrMalformed, c.Name, ErrUnknownMedia)
		}
		if c.Transport == nil {
			return fmt.Errorf("%w: content %q: %w", ErrMalformed, c.Name, ErrNoTransport)
		}
		if got := c.Transport.Namespace(); got != ns {
			return fmt.Errorf("%w: content %q transport %q, want %q", ErrMalformed, c.Name, got, ns)
		}
	}
	return nil
}
