package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"apipulse/internal/model"
	"apipulse/internal/normalize"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatText = "text"
)

// Parser turns one payload into normalized records.
type Parser interface {
	Parse(data []byte) ([]model.LogRecord, error)
}

// NewParser selects the parser for a format tag.
func NewParser(format string, norm *normalize.Normalizer) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return &JSONParser{norm: norm}, nil
	case FormatCSV:
		return &CSVParser{norm: norm}, nil
	case FormatText, "plain":
		return &TextParser{norm: norm}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported log format %q", model.ErrConfiguration, format)
	}
}

// normalizeAll keeps the records that normalize and reports the first
// failure only when nothing survived.
func normalizeAll(norm *normalize.Normalizer, all []normalize.Fields) ([]model.LogRecord, error) {
	out := make([]model.LogRecord, 0, len(all))
	var firstErr error
	for _, f := range all {
		rec, err := norm.Normalize(f)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, rec)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

var textPatterns = []*regexp.Regexp{
	// access log: ip - - [ts] "GET /path HTTP/1.1" status bytes "ref" "ua" 12.3ms
	regexp.MustCompile(`^(?P<ip>[\d.]+) .* \[(?P<timestamp>[^\]]*)\] "(?P<method>\w+) (?P<api_name>[^\s"]+) HTTP/[\d.]+" (?P<status_code>\d+) (?P<bytes>\d+) "(?P<referrer>[^"]*)" "(?P<user_agent>[^"]*)" (?P<response_time>[\d.]+)ms`),
	// 2026-03-10T12:00:00Z [prod] /api/orders - 200 - 45ms
	regexp.MustCompile(`^(?P<timestamp>[\d\-:T.Z]+) \[(?P<environment>\w+)\] (?P<api_name>\S+) - (?P<status_code>\d+) - (?P<response_time>[\d.]+)ms`),
	regexp.MustCompile(`^timestamp=(?P<timestamp>[^,]+), api=(?P<api_name>[^,]+), status=(?P<status_code>\d+), response_time=(?P<response_time>[\d.]+), environment=(?P<environment>[^,\s]+)`),
}

type TextParser struct {
	norm *normalize.Normalizer
}

// Parse matches each line against the known layouts in order. Unmatched
// lines are skipped; a payload with no matching line is an error.
func (p *TextParser) Parse(data []byte) ([]model.LogRecord, error) {
	var all []normalize.Fields
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if f := matchLine(line); f != nil {
			all = append(all, f)
		}
	}
	if len(all) == 0 {
		return nil, errors.New("could not parse text logs with available patterns")
	}
	return normalizeAll(p.norm, all)
}

func matchLine(line string) normalize.Fields {
	for _, re := range textPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		f := normalize.Fields{}
		for i, name := range re.SubexpNames() {
			if name != "" {
				f[name] = strings.TrimSpace(m[i])
			}
		}
		return f
	}
	return nil
}

// CSVParser reads comma separated records. A header row, when present, is
// remembered for later payloads so line-at-a-time sources work.
type CSVParser struct {
	norm   *normalize.Normalizer
	mu     sync.Mutex
	header []string
}

// positional is the column order assumed when no header was seen.
var positional = []string{"timestamp", "api_name", "environment", "response_time", "status_code"}

func (p *CSVParser) Parse(data []byte) ([]model.LogRecord, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var all []normalize.Fields
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		header := p.currentHeader()
		if looksLikeHeader(record) {
			p.setHeader(record)
			continue
		}
		if header == nil {
			header = positional
		}
		f := normalize.Fields{}
		for i, name := range header {
			if i >= len(record) {
				break
			}
			f[name] = strings.TrimSpace(record[i])
		}
		all = append(all, f)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return normalizeAll(p.norm, all)
}

func (p *CSVParser) currentHeader() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

func (p *CSVParser) setHeader(record []string) {
	h := make([]string, len(record))
	for i, v := range record {
		h[i] = strings.ToLower(strings.TrimSpace(v))
	}
	p.mu.Lock()
	p.header = h
	p.mu.Unlock()
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "timestamp", "time", "date", "api", "api_name", "apiname", "endpoint",
			"status", "status_code", "statuscode", "response_time", "responsetime", "environment", "env":
			return true
		}
	}
	return false
}
