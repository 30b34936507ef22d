package rowsource

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// emailHeaders are header names recognised as the email column.
var emailHeaders = map[string]bool{
	"email":            true,
	"email_address":    true,
	"e-mail":           true,
	"emailaddress":     true,
	"mail":             true,
	"subscriber_email": true,
}

// CSV reads the email column of a CSV stream. The column is the first header
// that names an email field or contains "mail", else the first column. The
// first line is a header unless one of its values looks like an address.
type CSV struct {
	r      *csv.Reader
	closer io.Closer
	column int
	next   int
	peeked []string
	primed bool
}

// NewCSV wraps r. If r is an io.Closer it is closed by Close.
func NewCSV(r io.Reader) *CSV {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	c := &CSV{r: cr}
	if cl, ok := r.(io.Closer); ok {
		c.closer = cl
	}
	return c
}

// Column returns the detected email column index. Valid after the first Next.
func (c *CSV) Column() int { return c.column }

func (c *CSV) prime() error {
	c.primed = true
	first, err := c.r.Read()
	if err != nil {
		return err
	}
	if col, ok := detectEmailColumn(first); ok {
		c.column = col
		return nil
	}
	if looksLikeData(first) {
		c.peeked = first
	}
	return nil
}

// looksLikeData reports whether a first line holds an address rather than
// column names.
func looksLikeData(rec []string) bool {
	for _, v := range rec {
		if strings.Contains(v, "@") {
			return true
		}
	}
	return false
}

func detectEmailColumn(header []string) (int, bool) {
	for i, h := range header {
		if emailHeaders[strings.ToLower(strings.TrimSpace(h))] {
			return i, true
		}
	}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if strings.Contains(h, "mail") && !strings.Contains(h, "@") {
			return i, true
		}
	}
	return 0, false
}

func (c *CSV) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if !c.primed {
		if err := c.prime(); err != nil {
			return Row{}, err
		}
	}

	rec := c.peeked
	c.peeked = nil
	if rec == nil {
		var err error
		rec, err = c.r.Read()
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) && !errors.Is(err, io.EOF) {
				// A malformed line still counts as a row.
				rec = nil
			} else {
				return Row{}, err
			}
		}
	}

	row := Row{Index: c.next}
	if c.column < len(rec) {
		row.Email = strings.TrimSpace(rec[c.column])
	}
	c.next++
	return row, nil
}

func (c *CSV) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
