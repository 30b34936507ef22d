// Package rowsource streams the email column of an uploaded list one row
// at a time, so arbitrarily large files never sit in memory.
package rowsource

import (
	"context"
	"io"
)

// Row is one input line. Index is zero-based over data rows.
type Row struct {
	Index int
	Email string
}

// Source yields rows until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Slice is an in-memory Source.
type Slice struct {
	emails []string
	pos    int
}

// FromSlice returns a Source over emails.
func FromSlice(emails []string) *Slice { return &Slice{emails: emails} }

func (s *Slice) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if s.pos >= len(s.emails) {
		return Row{}, io.EOF
	}
	r := Row{Index: s.pos, Email: s.emails[s.pos]}
	s.pos++
	return r, nil
}

func (s *Slice) Close() error { return nil }
