package ingest

import (
	"encoding/json"
	"fmt"
	"io"

	"loadflow/internal/model"
)

// JSONParser reads a network in JSON form.
//
// Buses referenced by elements but not declared are added with the network
// base voltage.
type JSONParser struct{}

func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

type jsonNetwork struct {
	Name          string              `json:"name"`
	BaseKV        float64             `json:"base_kv"`
	BaseFrequency float64             `json:"base_frequency"`
	SourceBus     string              `json:"source_bus"`
	SourcePU      float64             `json:"source_pu"`
	Buses         []model.Bus         `json:"buses"`
	Generators    []model.Generator   `json:"generators"`
	Lines         []model.Line        `json:"lines"`
	Transformers  []model.Transformer `json:"transformers"`
	Shunts        []model.Shunt       `json:"shunts"`
	Loads         []model.Load        `json:"loads"`
}

func (p *JSONParser) Parse(r io.Reader) (*model.NetworkModel, error) {
	var doc jsonNetwork
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding network: %w", err)
	}
	if doc.BaseKV <= 0 {
		return nil, fmt.Errorf("network %q: base_kv must be positive", doc.Name)
	}
	if doc.SourcePU == 0 {
		doc.SourcePU = 1.0
	}
	if doc.BaseFrequency == 0 {
		doc.BaseFrequency = 60
	}

	net := &model.NetworkModel{
		Name:          doc.Name,
		BaseKV:        doc.BaseKV,
		BaseFrequency: doc.BaseFrequency,
		SourceBus:     doc.SourceBus,
		SourcePU:      doc.SourcePU,
		Generators:    doc.Generators,
		Lines:         doc.Lines,
		Transformers:  doc.Transformers,
		Shunts:        doc.Shunts,
		Loads:         doc.Loads,
	}
	for _, b := range doc.Buses {
		net.EnsureBus(b.Name, b.BaseKV)
	}
	net.EnsureBus(net.SourceBus, net.BaseKV)
	for _, g := range net.Generators {
		net.EnsureBus(g.Bus, g.KV)
	}
	for _, t := range net.Transformers {
		net.EnsureBus(t.Bus1, t.KV1)
		net.EnsureBus(t.Bus2, t.KV2)
	}
	for _, s := range net.Shunts {
		net.EnsureBus(s.Bus, s.KV)
	}
	for _, l := range net.Loads {
		net.EnsureBus(l.Bus, l.KV)
	}
	for _, l := range net.Lines {
		net.EnsureBus(l.Bus1, 0)
		net.EnsureBus(l.Bus2, 0)
	}
	return net, nil
}
