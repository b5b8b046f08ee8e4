package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"loadflow/internal/model"
)

// CSVScheduleParser reads a load profile as "hour,multiplier" rows. The
// header row is optional. Rows may come in any order; the schedule is
// ordered by hour.
type CSVScheduleParser struct{}

func NewCSVScheduleParser() *CSVScheduleParser {
	return &CSVScheduleParser{}
}

func (p *CSVScheduleParser) Parse(r io.Reader) (model.Schedule, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	type row struct {
		hour int
		mult float64
	}
	var rows []row
	seen := make(map[int]bool)
	line := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading schedule: %w", err)
		}
		line++
		if len(rec) != 2 {
			return nil, fmt.Errorf("schedule line %d: expected hour,multiplier, got %d fields", line, len(rec))
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "hour") {
			continue
		}
		hour, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("schedule line %d: bad hour %q", line, rec[0])
		}
		mult, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("schedule line %d: bad multiplier %q", line, rec[1])
		}
		if seen[hour] {
			return nil, fmt.Errorf("schedule line %d: duplicate hour %d", line, hour)
		}
		seen[hour] = true
		rows = append(rows, row{hour, mult})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].hour < rows[j].hour })
	sched := make(model.Schedule, len(rows))
	for i, r := range rows {
		sched[i] = r.mult
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	return sched, nil
}
