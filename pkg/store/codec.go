package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/locuskit/locus/pkg"
)

// Record format, one fix per line:
//
//	time,lat,lon,alt,acc,sourceKind,status[,[key:value]]...
//
// Fixed-field ordering is stable. An absent altitude is an empty field.
// Parsers tolerate unknown extras and reject malformed fixed fields.

const recordFixedFields = 7

// EncodeFix renders a fix as one record line (without trailing newline).
// Extras are emitted in sorted key order so output is deterministic.
func EncodeFix(fix pkg.Fix) string {
	var b strings.Builder

	b.WriteString(strconv.FormatInt(fix.Timestamp, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(fix.Latitude, 'g', -1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(fix.Longitude, 'g', -1, 64))
	b.WriteByte(',')
	if fix.Altitude != nil {
		b.WriteString(strconv.FormatFloat(*fix.Altitude, 'g', -1, 64))
	}
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(fix.Accuracy, 'g', -1, 64))
	b.WriteByte(',')
	b.WriteString(string(fix.Source))
	b.WriteByte(',')
	b.WriteString(string(fix.Status))

	if len(fix.Attributes) > 0 {
		keys := make([]string, 0, len(fix.Attributes))
		for k := range fix.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(",[")
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(fix.Attributes[k])
			b.WriteByte(']')
		}
	}
	return b.String()
}

// DecodeFix parses one record line
func DecodeFix(line string) (pkg.Fix, error) {
	fields := strings.Split(line, ",")
	if len(fields) < recordFixedFields {
		return pkg.Fix{}, fmt.Errorf("record has %d fields, want at least %d", len(fields), recordFixedFields)
	}

	var fix pkg.Fix
	var err error

	fix.Timestamp, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return pkg.Fix{}, fmt.Errorf("bad time field %q: %w", fields[0], err)
	}
	fix.Latitude, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return pkg.Fix{}, fmt.Errorf("bad lat field %q: %w", fields[1], err)
	}
	fix.Longitude, err = strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return pkg.Fix{}, fmt.Errorf("bad lon field %q: %w", fields[2], err)
	}
	if fields[3] != "" {
		alt, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return pkg.Fix{}, fmt.Errorf("bad alt field %q: %w", fields[3], err)
		}
		fix.Altitude = &alt
	}
	fix.Accuracy, err = strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return pkg.Fix{}, fmt.Errorf("bad acc field %q: %w", fields[4], err)
	}
	if fields[5] == "" {
		return pkg.Fix{}, fmt.Errorf("empty sourceKind field")
	}
	fix.Source = pkg.SourceType(fields[5])
	if fields[6] == "" {
		return pkg.Fix{}, fmt.Errorf("empty status field")
	}
	fix.Status = pkg.FixStatus(fields[6])

	// Extras: ,[key:value] — unknown keys are preserved verbatim
	for _, extra := range fields[recordFixedFields:] {
		if !strings.HasPrefix(extra, "[") || !strings.HasSuffix(extra, "]") {
			continue
		}
		body := extra[1 : len(extra)-1]
		idx := strings.IndexByte(body, ':')
		if idx <= 0 {
			continue
		}
		if fix.Attributes == nil {
			fix.Attributes = make(map[string]string)
		}
		fix.Attributes[body[:idx]] = body[idx+1:]
	}
	return fix, nil
}
