package ingest

import (
	"math"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadflow/internal/model"
)

func testScripts() fstest.MapFS {
	return fstest.MapFS{
		"case/master.dss": {Data: []byte(`Clear
! Set system base frequency
Set DefaultBaseFrequency=50

New Circuit.ieee118bus
~ basekv=138.0
~ pu=1.02
~ bus1=89_clinchrv

redirect generators.dss
Redirect lines.dss
redirect transformers.dss
redirect shunts.dss
redirect loads.dss

Set VoltageBases = [138.0, 13.8]
Calcv
set algorithm=NEWTON
Solve mode=snap
`)},
		"case/generators.dss": {Data: []byte(`! swing bus - bus: 89_clinchrv
! New Generator.Gen_at_89_1 bus1=89_clinchrv kV=138 kW=607000 Vpu=1.0 maxkvar=300000 minkvar=-210000
New Generator.Gen_at_10 bus1=10_olivehil.1.2.3 kV=138 kW=450000 Vpu=1.05 maxkvar=200000 minkvar=-147000
`)},
		"case/lines.dss": {Data: []byte(`New Line.l1 bus1=89_clinchrv bus2=10_olivehil r1=0.5 x1=5 b1=10 length=2 units=km
New Line.l2 bus1=10_olivehil bus2=12_x
~ r1=1.0 x1=8.0
more c1=100
`)},
		"case/transformers.dss": {Data: []byte(`New Transformer.t1 phases=3 windings=2 buses=[12_x, 20_lv] kvs=[138 13.8] kvas=[100000 100000] xhl=8 %rs=[0.25 0.25] taps=[1.025 1]
New Transformer.t2 windings=2 wdg=1 bus=12_x kv=138 kva=50000 wdg=2 bus=21_lv kv=13.8 kva=50000 xhl=10
`)},
		"case/shunts.dss": {Data: []byte(`New Capacitor.c1 bus1=20_lv kvar=5000 kv=13.8
New Reactor.r1 bus1=12_x kvar=3000 kv=138
`)},
		"case/loads.dss": {Data: []byte(`New Load.ld1 bus1=20_lv kV=13.8 kW=40000 kvar=15000 ! industrial
New Load.ld2 bus1=21_lv kV=13.8 kW=30000 pf=0.8
`)},
	}
}

func newTestDSSParser(fsys fstest.MapFS) (*DSSParser, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	p := NewDSSParser(fsys)
	p.Log = log
	return p, hook
}

func TestDSSParser_ParseFile(t *testing.T) {
	p, _ := newTestDSSParser(testScripts())
	net, err := p.ParseFile("case/master.dss")
	require.NoError(t, err)
	require.NoError(t, net.Validate())

	assert.Equal(t, "ieee118bus", net.Name)
	assert.Equal(t, "89_clinchrv", net.SourceBus)
	assert.InDelta(t, 1.02, net.SourcePU, 1e-12)
	assert.InDelta(t, 138.0, net.BaseKV, 1e-12)
	assert.InDelta(t, 50.0, net.BaseFrequency, 1e-12)

	// The commented-out swing generator is not restored unless asked.
	require.Len(t, net.Generators, 1)
	g := net.Generators[0]
	assert.Equal(t, "Gen_at_10", g.Name)
	assert.Equal(t, "10_olivehil", g.Bus)
	assert.InDelta(t, 1.05, g.Vpu, 1e-12)
	assert.InDelta(t, -147000, g.MinKvar, 1e-9)

	require.Len(t, net.Lines, 2)
	assert.InDelta(t, 1.0, net.Lines[0].ROhm, 1e-12)
	assert.InDelta(t, 10.0, net.Lines[0].XOhm, 1e-12)
	assert.InDelta(t, 20.0, net.Lines[0].BMicroS, 1e-12)
	assert.InDelta(t, 8.0, net.Lines[1].XOhm, 1e-12)
	assert.InDelta(t, 2*math.Pi*50*100*1e-3, net.Lines[1].BMicroS, 1e-9)

	require.Len(t, net.Transformers, 2)
	t1 := net.Transformers[0]
	assert.Equal(t, "12_x", t1.Bus1)
	assert.Equal(t, "20_lv", t1.Bus2)
	assert.InDelta(t, 13.8, t1.KV2, 1e-12)
	assert.InDelta(t, 100000, t1.KVA, 1e-9)
	assert.InDelta(t, 8, t1.XPercent, 1e-12)
	assert.InDelta(t, 0.5, t1.RPercent, 1e-12)
	assert.InDelta(t, 1.025, t1.Tap, 1e-12)
	t2 := net.Transformers[1]
	assert.Equal(t, "21_lv", t2.Bus2)
	assert.InDelta(t, 50000, t2.KVA, 1e-9)
	assert.InDelta(t, 1.0, t2.Tap, 1e-12)

	require.Len(t, net.Shunts, 2)
	assert.InDelta(t, 5000, net.Shunts[0].Kvar, 1e-9)
	assert.InDelta(t, -3000, net.Shunts[1].Kvar, 1e-9)

	require.Len(t, net.Loads, 2)
	assert.InDelta(t, 15000, net.Loads[0].Kvar, 1e-9)
	assert.InDelta(t, 22500, net.Loads[1].Kvar, 1e-6)

	names := make([]string, len(net.Buses))
	for i, b := range net.Buses {
		names[i] = b.Name
	}
	assert.Equal(t, []string{"89_clinchrv", "10_olivehil", "12_x", "20_lv", "21_lv"}, names)
	lv, ok := net.Bus("20_LV")
	require.True(t, ok)
	assert.InDelta(t, 13.8, lv.BaseKV, 1e-12)
}

func TestDSSParser_RestoresCommentedElement(t *testing.T) {
	p, hook := newTestDSSParser(testScripts())
	p.Restore = []string{"Generator.Gen_at_89_1"}
	net, err := p.ParseFile("case/master.dss")
	require.NoError(t, err)

	require.Len(t, net.Generators, 2)
	assert.Equal(t, "Gen_at_89_1", net.Generators[0].Name)
	assert.InDelta(t, 607000, net.Generators[0].KW, 1e-9)
	assert.Equal(t, []string{"Generator.Gen_at_89_1"}, p.Restored())

	var restored bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Restoring commented-out element" {
			restored = true
		}
	}
	assert.True(t, restored)
}

func TestDSSParser_MissingRestoreTargetWarns(t *testing.T) {
	p, hook := newTestDSSParser(testScripts())
	p.Restore = []string{"Generator.Nope"}
	_, err := p.ParseFile("case/master.dss")
	require.NoError(t, err)
	assert.Empty(t, p.Restored())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["element"] == "Generator.Nope" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestDSSParser_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"continuation first", "~ basekv=138", "continuation"},
		{"bad number", "New Circuit.c bus1=a\nNew Load.x bus1=a kw=lots", "not a number"},
		{"malformed element", "New Circuit bus1=a", "malformed"},
		{"missing redirect", "New Circuit.c bus1=a\nredirect nowhere.dss", "nowhere.dss"},
		{"no circuit", "New Load.x bus1=a kw=1", "New Circuit"},
		{"bad winding", "New Circuit.c bus1=a\nNew Transformer.t wdg=3 bus=a", "winding"},
		{"bad voltage bases", "New Circuit.c bus1=a\nSet VoltageBases=[x]", "VoltageBases"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestDSSParser(fstest.MapFS{})
			_, err := p.Parse(strings.NewReader(tt.script))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDSSParser_RedirectLoop(t *testing.T) {
	fsys := fstest.MapFS{"loop.dss": {Data: []byte("New Circuit.c bus1=a\nredirect loop.dss\n")}}
	p, _ := newTestDSSParser(fsys)
	_, err := p.ParseFile("loop.dss")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested too deeply")
}

func TestDSSParser_UnsupportedElementSkipped(t *testing.T) {
	p, hook := newTestDSSParser(fstest.MapFS{})
	net, err := p.Parse(strings.NewReader("New Circuit.c basekv=4.16 bus1=src\nNew Fuse.f1 monitoredobj=Line.x\n"))
	require.NoError(t, err)
	assert.Zero(t, net.ComponentCount())

	var skipped bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "fuse.f1") {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t,
		[]string{"Set", "VoltageBases=[138.0, 13.8]"},
		tokenize("Set VoltageBases = [138.0, 13.8]"))
	assert.Equal(t,
		[]string{"New", "Load.x", "bus1=a", "kw=10"},
		tokenize("New Load.x bus1= a kw =10"))
	assert.Equal(t,
		[]string{"redirect", `"my file.dss"`},
		tokenize(`redirect "my file.dss"`))
}

func TestLoadNetwork_ByExtension(t *testing.T) {
	fsys := testScripts()
	fsys["case/net.json"] = &fstest.MapFile{Data: []byte(sampleNetworkJSON)}

	net, err := LoadNetwork(fsys, "case/net.json")
	require.NoError(t, err)
	assert.Equal(t, "feeder", net.Name)

	net, err = LoadNetwork(fsys, "case/master.dss", "Generator.Gen_at_89_1")
	require.NoError(t, err)
	assert.Len(t, net.Generators, 2)
	assert.Equal(t, model.CategoryGenerators, net.Generators[0].Category())
}

func busKVs(net *model.NetworkModel) map[string]float64 {
	out := make(map[string]float64, len(net.Buses))
	for _, b := range net.Buses {
		out[b.Name] = b.BaseKV
	}
	return out
}

func TestDSSParser_VoltageBases(t *testing.T) {
	script := `New Circuit.x bus1=a
New Line.l1 bus1=a bus2=b r1=0.1 x1=0.5
New Transformer.t1 buses=[b, c] kvs=[345 132] kvas=[100000 100000] xhl=8
New Line.l2 bus1=c bus2=d r1=0.1 x1=0.5
New Load.ld1 bus1=d kw=1000 kvar=200
New Line.l3 bus1=e bus2=f r1=0.1 x1=0.5
Set VoltageBases=[345 138]
`
	p, _ := newTestDSSParser(fstest.MapFS{})
	net, err := p.Parse(strings.NewReader(script))
	require.NoError(t, err)
	require.NoError(t, net.Validate())

	assert.InDelta(t, 345.0, net.BaseKV, 1e-12)
	assert.Equal(t, map[string]float64{
		"a": 345, "b": 345,
		// 132 kV hint snaps to the 138 kV base and spreads along l2.
		"c": 138, "d": 138,
		// Unreached buses take the circuit base.
		"e": 345, "f": 345,
	}, busKVs(net))
}

func TestDSSParser_CircuitBaseKV(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   float64
	}{
		{"explicit basekv wins", "New Circuit.x basekv=138 bus1=a\nSet VoltageBases=[345 138]", 138},
		{"largest voltage base", "New Circuit.x bus1=a\nSet VoltageBases=[13.8 138]", 138},
		{"opendss default", "New Circuit.x bus1=a", 115},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestDSSParser(fstest.MapFS{})
			net, err := p.Parse(strings.NewReader(tt.script))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, net.BaseKV, 1e-12)
			src, ok := net.Bus("a")
			require.True(t, ok)
			assert.InDelta(t, tt.want, src.BaseKV, 1e-12)
		})
	}
}
