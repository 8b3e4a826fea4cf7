package ticketnumber

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Formatter renders a stored ticket number for display. The stored number is
// always the plain per-mailbox sequence value.
type Formatter interface {
	Name() string
	Format(number int, opened time.Time) string
}

// Plain renders "#1042".
type Plain struct{ Prefix string }

func (f Plain) Name() string { return "Plain" }
func (f Plain) Format(number int, _ time.Time) string {
	return fmt.Sprintf("%s%d", f.prefix(), number)
}
func (f Plain) prefix() string {
	if f.Prefix == "" {
		return "#"
	}
	return f.Prefix
}

// Padded zero-pads the number to MinDigits (default 5).
type Padded struct {
	Prefix    string
	MinDigits int
}

func (f Padded) Name() string { return "Padded" }
func (f Padded) Format(number int, _ time.Time) string {
	min := f.MinDigits
	if min <= 0 {
		min = 5
	}
	return fmt.Sprintf("%s%0*d", f.Prefix, min, number)
}

// DateChecksum: yyyymmdd + zero-padded number (min 5) + single check digit.
// Check digit: sum over digits with multipliers 1,2,1,2... ; checksum = 10 - (sum % 10); if result == 10 => 1.
type DateChecksum struct{ MinDigits int }

func (f DateChecksum) Name() string { return "DateChecksum" }
func (f DateChecksum) Format(number int, opened time.Time) string {
	min := f.MinDigits
	if min <= 0 {
		min = 5
	}
	tp := opened.UTC()
	body := fmt.Sprintf("%04d%02d%02d%0*d", tp.Year(), int(tp.Month()), tp.Day(), min, number)
	return body + fmt.Sprintf("%d", checksumAlt(body))
}

func checksumAlt(s string) int {
	sum := 0
	mult := 1
	for i := 0; i < len(s); i++ {
		d := int(s[i] - '0')
		sum += mult * d
		mult++
		if mult == 3 {
			mult = 1
		}
	}
	sum %= 10
	c := 10 - sum
	if c == 10 {
		c = 1
	}
	return c
}

// Resolve maps a configured format name to a Formatter (case-insensitive).
// Valid: Plain, Padded, DateChecksum.
func Resolve(name, prefix string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "plain":
		return Plain{Prefix: prefix}, nil
	case "padded":
		return Padded{Prefix: prefix, MinDigits: 5}, nil
	case "datechecksum":
		return DateChecksum{MinDigits: 5}, nil
	default:
		return nil, errors.New("unknown ticket number format: " + name)
	}
}
