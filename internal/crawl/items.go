package crawl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/proxy-inventory/internal/types"
)

// ParseError reports a line of job output that could not be decoded.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errBadPort = errors.New("port must be an integer between 0 and 65535")

// maxLineBytes bounds a single JSON item.
const maxLineBytes = 1024 * 1024

var errLineTooLong = fmt.Errorf("line exceeds %d bytes", maxLineBytes)

// rawItem is one line of spider output. Spiders emit the port either as a
// number or as a numeric string.
type rawItem struct {
	IP        string          `json:"ip"`
	Port      json.RawMessage `json:"port"`
	Protocol  *string         `json:"protocol"`
	Country   *string         `json:"country"`
	Anonymity *string         `json:"anonymity"`
	Source    *string         `json:"source"`
}

func (r rawItem) candidate() (types.Candidate, error) {
	port, err := parsePort(r.Port)
	if err != nil {
		return types.Candidate{}, err
	}

	c := types.Candidate{
		IP:      strings.TrimSpace(r.IP),
		Port:    port,
		Country: nonEmpty(r.Country),
		Source:  nonEmpty(r.Source),
	}
	// Unknown enum values are treated as not supplied.
	if r.Protocol != nil {
		if p, ok := types.ParseProtocol(*r.Protocol); ok {
			c.Protocol = &p
		}
	}
	if r.Anonymity != nil {
		if a, ok := types.ParseAnonymity(*r.Anonymity); ok {
			c.Anonymity = &a
		}
	}
	return c, nil
}

func parsePort(raw json.RawMessage) (uint16, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, nil
		}
	}

	n, err := strconv.ParseUint(text, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", errBadPort, raw)
	}
	return uint16(n), nil
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// parseItems decodes JSON-lines spider output. Blank lines are skipped and
// each malformed or over-long line is reported separately without stopping
// the scan. Only read errors from r are returned as err.
func parseItems(r io.Reader) ([]types.Candidate, []*ParseError, error) {
	items := make([]types.Candidate, 0)
	var parseErrs []*ParseError

	reader := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	tooLong := false
	lineNo := 0

	for {
		chunk, err := reader.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLineBytes+1 {
				tooLong = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && err != io.EOF {
			return items, parseErrs, fmt.Errorf("read: %w", err)
		}
		if err == io.EOF && len(line) == 0 && !tooLong {
			break
		}

		lineNo++
		if tooLong {
			parseErrs = append(parseErrs, &ParseError{Line: lineNo, Err: errLineTooLong})
		} else if c, perr := parseLine(line); perr != nil {
			parseErrs = append(parseErrs, &ParseError{Line: lineNo, Err: perr})
		} else if c != nil {
			items = append(items, *c)
		}
		line = line[:0]
		tooLong = false

		if err == io.EOF {
			break
		}
	}
	return items, parseErrs, nil
}

// parseLine decodes one item; a blank line yields nil, nil.
func parseLine(line []byte) (*types.Candidate, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var raw rawItem
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	c, err := raw.candidate()
	if err != nil {
		return nil, err
	}
	return &c, nil
}
