package ingest

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"loadflow/internal/model"
)

// NetworkParser reads a network description and returns the model.
type NetworkParser interface {
	Parse(r io.Reader) (*model.NetworkModel, error)
}

// ScheduleParser reads a load schedule.
type ScheduleParser interface {
	Parse(r io.Reader) (model.Schedule, error)
}

// LoadNetwork opens name from fsys and parses it with the parser matching
// its extension: .json for JSON, anything else as a DSS script. restore
// names commented-out elements that should be parsed anyway.
func LoadNetwork(fsys fs.FS, name string, restore ...string) (*model.NetworkModel, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		f, err := fsys.Open(name)
		if err != nil {
			return nil, fmt.Errorf("opening network: %w", err)
		}
		defer f.Close()
		return NewJSONParser().Parse(f)
	default:
		p := NewDSSParser(fsys)
		p.Restore = restore
		return p.ParseFile(name)
	}
}

// LoadSchedule opens name from fsys and parses it as hour,multiplier CSV.
func LoadSchedule(fsys fs.FS, name string) (model.Schedule, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening schedule: %w", err)
	}
	defer f.Close()
	return NewCSVScheduleParser().Parse(f)
}
