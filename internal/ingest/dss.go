package ingest

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"loadflow/internal/model"
)

const (
	maxRedirectDepth = 16
	// defaultCircuitKV is the OpenDSS circuit base when neither basekv nor
	// VoltageBases is given.
	defaultCircuitKV = 115.0
)

// DSSParser reads a network from an OpenDSS-style script: New Circuit,
// Generator, Line, Transformer, Capacitor, Reactor and Load definitions,
// "~" continuation lines, "!" and "//" comments, Redirect/Compile of other
// files and Set VoltageBases / DefaultBaseFrequency. Solve-time commands
// are ignored.
//
// Restore lists element names ("Generator.Gen_at_89_1") whose definitions
// are parsed even when commented out.
type DSSParser struct {
	FS      fs.FS
	Restore []string
	Log     logrus.FieldLogger

	net      *model.NetworkModel
	kvHints  map[string]float64
	restored map[string]bool
	pending  *dssCommand
	depth    int
	// circuitKV is the basekv given on New Circuit, zero when absent.
	circuitKV float64
	defaults  struct {
		frequency float64
		bases     []float64
	}
}

type dssCommand struct {
	class string
	name  string
	props [][2]string
	where string
}

func NewDSSParser(fsys fs.FS) *DSSParser {
	return &DSSParser{FS: fsys, Log: logrus.StandardLogger()}
}

// Parse reads a single script from r. Redirects resolve against FS.
func (p *DSSParser) Parse(r io.Reader) (*model.NetworkModel, error) {
	p.reset()
	if err := p.parse(r, "<input>", "."); err != nil {
		return nil, err
	}
	return p.finish()
}

// ParseFile reads name from FS.
func (p *DSSParser) ParseFile(name string) (*model.NetworkModel, error) {
	p.reset()
	if err := p.parseFile(name); err != nil {
		return nil, err
	}
	return p.finish()
}

// Restored reports the element names that were uncommented while parsing.
func (p *DSSParser) Restored() []string {
	var out []string
	for _, want := range p.Restore {
		if p.restored[strings.ToLower(want)] {
			out = append(out, want)
		}
	}
	return out
}

func (p *DSSParser) reset() {
	p.net = &model.NetworkModel{SourcePU: 1.0, BaseFrequency: 60}
	p.kvHints = make(map[string]float64)
	p.restored = make(map[string]bool)
	p.pending = nil
	p.depth = 0
	p.defaults.frequency = 0
	p.defaults.bases = nil
	p.circuitKV = 0
	if p.Log == nil {
		p.Log = logrus.StandardLogger()
	}
}

func (p *DSSParser) parseFile(name string) error {
	if p.FS == nil {
		return fmt.Errorf("redirect %s: no file system", name)
	}
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxRedirectDepth {
		return fmt.Errorf("redirect %s: nested too deeply", name)
	}
	f, err := p.FS.Open(name)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()
	p.Log.WithField("file", name).Debug("Reading network script")
	return p.parse(f, name, path.Dir(name))
}

func (p *DSSParser) parse(r io.Reader, name, dir string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		where := fmt.Sprintf("%s:%d", name, lineNo)
		line := p.restoreLine(strings.TrimSpace(sc.Text()))
		line = stripComment(line)
		if line == "" {
			continue
		}
		if err := p.handle(line, dir, where); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	return p.flush()
}

// restoreLine uncomments a definition of a restored element.
func (p *DSSParser) restoreLine(line string) string {
	if !strings.HasPrefix(line, "!") || len(p.Restore) == 0 {
		return line
	}
	body := strings.TrimSpace(strings.TrimLeft(line, "!"))
	fields := strings.Fields(body)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "new") {
		return line
	}
	target := strings.ToLower(strings.TrimPrefix(strings.ToLower(fields[1]), "object="))
	for _, want := range p.Restore {
		if strings.ToLower(want) == target {
			p.restored[target] = true
			p.Log.WithField("element", want).Info("Restoring commented-out element")
			return body
		}
	}
	return line
}

func stripComment(line string) string {
	if i := strings.Index(line, "!"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func (p *DSSParser) handle(line, dir, where string) error {
	tokens := tokenize(line)
	if len(tokens) == 0 {
		return nil
	}
	verb := strings.ToLower(tokens[0])

	if verb == "~" || verb == "more" {
		if p.pending == nil {
			return fmt.Errorf("%s: continuation without a preceding New", where)
		}
		p.pending.props = append(p.pending.props, pairs(tokens[1:])...)
		return nil
	}
	if err := p.flush(); err != nil {
		return err
	}

	switch verb {
	case "new":
		if len(tokens) < 2 {
			return fmt.Errorf("%s: New without an element", where)
		}
		ref := tokens[1]
		if k, v, ok := strings.Cut(ref, "="); ok && strings.EqualFold(k, "object") {
			ref = v
		}
		class, name, ok := strings.Cut(ref, ".")
		if !ok || name == "" {
			return fmt.Errorf("%s: malformed element %q", where, ref)
		}
		p.pending = &dssCommand{class: strings.ToLower(class), name: name, where: where}
		p.pending.props = pairs(tokens[2:])
	case "redirect", "compile":
		if len(tokens) < 2 {
			return fmt.Errorf("%s: %s without a file", where, tokens[0])
		}
		target := strings.Trim(tokens[1], `"'`)
		if !path.IsAbs(target) {
			target = path.Join(dir, target)
		}
		if err := p.parseFile(target); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
	case "set":
		return p.set(pairs(tokens[1:]), where)
	case "clear":
		depth, restored := p.depth, p.restored
		p.reset()
		p.depth, p.restored = depth, restored
	default:
		// Calcv, Solve, Show and the like only matter to a live engine.
		p.Log.WithField("at", where).Debugf("Ignoring command %s", tokens[0])
	}
	return nil
}

func (p *DSSParser) set(props [][2]string, where string) error {
	for _, kv := range props {
		switch strings.ToLower(kv[0]) {
		case "voltagebases":
			bases, err := floatList(kv[1])
			if err != nil || len(bases) == 0 {
				return fmt.Errorf("%s: bad VoltageBases %q", where, kv[1])
			}
			p.defaults.bases = bases
		case "defaultbasefrequency", "defaultbasefreq":
			f, err := strconv.ParseFloat(kv[1], 64)
			if err != nil {
				return fmt.Errorf("%s: bad base frequency %q", where, kv[1])
			}
			p.defaults.frequency = f
		}
	}
	return nil
}

func (p *DSSParser) flush() error {
	cmd := p.pending
	p.pending = nil
	if cmd == nil {
		return nil
	}
	props := make(map[string]string, len(cmd.props))
	for _, kv := range cmd.props {
		props[strings.ToLower(kv[0])] = kv[1]
	}
	get := func(key string, def float64) (float64, error) {
		v, ok := props[key]
		if !ok || v == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %s.%s %s=%q: not a number", cmd.where, cmd.class, cmd.name, key, v)
		}
		return f, nil
	}
	// first returns the first key present.
	first := func(def float64, keys ...string) (float64, error) {
		for _, k := range keys {
			if _, ok := props[k]; ok {
				return get(k, def)
			}
		}
		return def, nil
	}

	var err error
	num := func(key string, def float64) float64 {
		if err != nil {
			return 0
		}
		var f float64
		f, err = get(key, def)
		return f
	}

	switch cmd.class {
	case "circuit":
		p.net.Name = cmd.name
		p.circuitKV = num("basekv", 0)
		p.net.SourcePU = num("pu", 1.0)
		if f := num("basefreq", 0); f > 0 {
			p.net.BaseFrequency = f
		}
		p.net.SourceBus = busName(props["bus1"])
		if p.net.SourceBus == "" {
			p.net.SourceBus = "sourcebus"
		}
	case "generator":
		g := model.Generator{
			Name:    cmd.name,
			Bus:     busName(props["bus1"]),
			KV:      num("kv", 0),
			KW:      num("kw", 0),
			Kvar:    num("kvar", 0),
			Vpu:     num("vpu", 0),
			MaxKvar: num("maxkvar", 0),
			MinKvar: num("minkvar", 0),
		}
		p.hint(g.Bus, g.KV)
		p.net.Generators = append(p.net.Generators, g)
	case "line":
		length := num("length", 1)
		l := model.Line{
			Name:    cmd.name,
			Bus1:    busName(props["bus1"]),
			Bus2:    busName(props["bus2"]),
			ROhm:    num("r1", 0) * length,
			XOhm:    num("x1", 0) * length,
			BMicroS: num("b1", 0) * length,
		}
		if c1 := num("c1", 0); c1 > 0 && l.BMicroS == 0 {
			// nF to µS at the base frequency.
			l.BMicroS = 2 * math.Pi * p.frequency() * c1 * 1e-3 * length
		}
		p.net.Lines = append(p.net.Lines, l)
	case "transformer":
		t, terr := p.transformer(cmd, props)
		if terr != nil {
			return terr
		}
		p.net.Transformers = append(p.net.Transformers, t)
	case "capacitor", "reactor":
		s := model.Shunt{
			Name: cmd.name,
			Bus:  busName(props["bus1"]),
			KV:   num("kv", 0),
			Kvar: num("kvar", 0),
		}
		if cmd.class == "reactor" {
			s.Kvar = -math.Abs(s.Kvar)
		}
		p.hint(s.Bus, s.KV)
		p.net.Shunts = append(p.net.Shunts, s)
	case "load":
		l := model.Load{
			Name: cmd.name,
			Bus:  busName(props["bus1"]),
			KV:   num("kv", 0),
			KW:   num("kw", 0),
		}
		if _, ok := props["kvar"]; ok {
			l.Kvar = num("kvar", 0)
		} else {
			pf, perr := first(0.88, "pf")
			if perr != nil {
				return perr
			}
			if pf != 0 {
				l.Kvar = l.KW * math.Tan(math.Acos(math.Min(math.Abs(pf), 1)))
			}
		}
		p.hint(l.Bus, l.KV)
		p.net.Loads = append(p.net.Loads, l)
	default:
		p.Log.WithField("at", cmd.where).Warnf("Skipping unsupported element %s.%s", cmd.class, cmd.name)
	}
	return err
}

func (p *DSSParser) transformer(cmd *dssCommand, props map[string]string) (model.Transformer, error) {
	t := model.Transformer{Name: cmd.name, Tap: 1, XPercent: 7, RPercent: 0.5, KVA: 1000}
	var buses [2]string
	var kvs, kvas, taps, rs [2]float64
	kvas = [2]float64{t.KVA, t.KVA}
	taps = [2]float64{1, 1}
	rs = [2]float64{t.RPercent / 2, t.RPercent / 2}

	bad := func(key, v string) error {
		return fmt.Errorf("%s: Transformer.%s %s=%q: not a number", cmd.where, cmd.name, key, v)
	}
	setArr := func(dst *[2]float64, key, v string) error {
		vals, err := floatList(v)
		if err != nil {
			return bad(key, v)
		}
		for i := 0; i < len(vals) && i < 2; i++ {
			dst[i] = vals[i]
		}
		return nil
	}

	// Properties are applied in order; wdg selects the winding for the
	// scalar forms.
	wdg := 0
	for _, kv := range cmd.props {
		key, v := strings.ToLower(kv[0]), kv[1]
		var err error
		switch key {
		case "wdg":
			n, perr := strconv.Atoi(v)
			if perr != nil || n < 1 || n > 2 {
				return t, fmt.Errorf("%s: Transformer.%s: unsupported winding %q", cmd.where, cmd.name, v)
			}
			wdg = n - 1
		case "bus":
			buses[wdg] = busName(v)
		case "buses":
			names := listItems(v)
			for i := 0; i < len(names) && i < 2; i++ {
				buses[i] = busName(names[i])
			}
		case "kv", "kva", "tap", "%r":
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				return t, bad(key, v)
			}
			switch key {
			case "kv":
				kvs[wdg] = f
			case "kva":
				kvas[wdg] = f
			case "tap":
				taps[wdg] = f
			case "%r":
				rs[wdg] = f
			}
		case "kvs":
			err = setArr(&kvs, key, v)
		case "kvas":
			err = setArr(&kvas, key, v)
		case "taps":
			err = setArr(&taps, key, v)
		case "%rs":
			err = setArr(&rs, key, v)
		case "xhl", "x12":
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				return t, bad(key, v)
			}
			t.XPercent = f
		}
		if err != nil {
			return t, err
		}
	}

	t.Bus1, t.Bus2 = buses[0], buses[1]
	t.KV1, t.KV2 = kvs[0], kvs[1]
	t.KVA = kvas[0]
	t.RPercent = rs[0] + rs[1]
	if taps[1] != 0 {
		t.Tap = taps[0] / taps[1]
	}
	p.hint(t.Bus1, t.KV1)
	p.hint(t.Bus2, t.KV2)
	return t, nil
}

func (p *DSSParser) hint(bus string, kv float64) {
	if bus == "" || kv <= 0 {
		return
	}
	key := strings.ToLower(bus)
	if _, ok := p.kvHints[key]; !ok {
		p.kvHints[key] = kv
	}
}

func (p *DSSParser) frequency() float64 {
	if p.defaults.frequency > 0 {
		return p.defaults.frequency
	}
	return p.net.BaseFrequency
}

func (p *DSSParser) finish() (*model.NetworkModel, error) {
	net := p.net
	if net.SourceBus == "" {
		return nil, fmt.Errorf("no New Circuit definition")
	}
	if p.defaults.frequency > 0 {
		net.BaseFrequency = p.defaults.frequency
	}
	switch {
	case p.circuitKV > 0:
		net.BaseKV = p.circuitKV
	case len(p.defaults.bases) > 0:
		net.BaseKV = p.defaults.bases[0]
		for _, b := range p.defaults.bases {
			net.BaseKV = math.Max(net.BaseKV, b)
		}
	default:
		net.BaseKV = defaultCircuitKV
	}
	p.kvHints[strings.ToLower(net.SourceBus)] = net.BaseKV
	p.propagateKV()

	ensure := func(bus string) {
		net.EnsureBus(bus, p.busKV(bus))
	}
	ensure(net.SourceBus)
	for _, g := range net.Generators {
		ensure(g.Bus)
	}
	for _, l := range net.Lines {
		ensure(l.Bus1)
		ensure(l.Bus2)
	}
	for _, t := range net.Transformers {
		ensure(t.Bus1)
		ensure(t.Bus2)
	}
	for _, s := range net.Shunts {
		ensure(s.Bus)
	}
	for _, l := range net.Loads {
		ensure(l.Bus)
	}
	for _, want := range p.Restore {
		if !p.restored[strings.ToLower(want)] {
			p.Log.WithField("element", want).Warn("Element to restore was not found commented out")
		}
	}
	p.Log.WithFields(logrus.Fields{
		"network":    net.Name,
		"buses":      len(net.Buses),
		"components": net.ComponentCount(),
	}).Info("Parsed network")
	return net, nil
}

// propagateKV carries kV hints across lines, which never change voltage
// level, to buses that have no hint of their own.
func (p *DSSParser) propagateKV() {
	adj := make(map[string][]string)
	for _, l := range p.net.Lines {
		a, b := strings.ToLower(l.Bus1), strings.ToLower(l.Bus2)
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	queue := make([]string, 0, len(p.kvHints))
	for bus := range p.kvHints {
		queue = append(queue, bus)
	}
	sort.Strings(queue)
	for len(queue) > 0 {
		bus := queue[0]
		queue = queue[1:]
		for _, next := range adj[bus] {
			if _, ok := p.kvHints[next]; !ok {
				p.kvHints[next] = p.kvHints[bus]
				queue = append(queue, next)
			}
		}
	}
}

// busKV is the hinted voltage of bus snapped to the nearest voltage base.
// Buses without a hint take the circuit base.
func (p *DSSParser) busKV(bus string) float64 {
	kv, ok := p.kvHints[strings.ToLower(bus)]
	if !ok {
		kv = p.net.BaseKV
	}
	best := kv
	for i, b := range p.defaults.bases {
		if i == 0 || math.Abs(b-kv) < math.Abs(best-kv) {
			best = b
		}
	}
	return best
}

// busName drops the node suffix: "89_clinchrv.1.2.3" is "89_clinchrv".
func busName(s string) string {
	s = strings.Trim(s, `"'`)
	if i := strings.Index(s, "."); i >= 0 {
		s = s[:i]
	}
	return s
}

// tokenize splits a command into words, keeping quoted and bracketed
// values together and joining "key = value" into "key=value".
func tokenize(line string) []string {
	var raw []string
	var cur strings.Builder
	depth := 0
	var quote rune
	for _, r := range line {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == '[' || r == '(' || r == '{':
			depth++
			cur.WriteRune(r)
		case r == ']' || r == ')' || r == '}':
			depth--
			cur.WriteRune(r)
		case depth == 0 && (r == ' ' || r == '\t' || r == ','):
			if cur.Len() > 0 {
				raw = append(raw, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		raw = append(raw, cur.String())
	}

	var out []string
	for i := 0; i < len(raw); i++ {
		t := raw[i]
		switch {
		case t == "=" && len(out) > 0 && i+1 < len(raw):
			out[len(out)-1] += "=" + raw[i+1]
			i++
		case strings.HasPrefix(t, "=") && len(out) > 0:
			out[len(out)-1] += t
		case strings.HasSuffix(t, "=") && i+1 < len(raw):
			out = append(out, t+raw[i+1])
			i++
		default:
			out = append(out, t)
		}
	}
	return out
}

// pairs turns key=value tokens into ordered pairs. Bare tokens get an
// empty key.
func pairs(tokens []string) [][2]string {
	out := make([][2]string, 0, len(tokens))
	for _, t := range tokens {
		k, v, ok := strings.Cut(t, "=")
		if !ok {
			k, v = "", t
		}
		out = append(out, [2]string{k, unwrap(v)})
	}
	return out
}

func unwrap(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func listItems(v string) []string {
	v = strings.Trim(v, `[](){}"'`)
	return strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
}

func floatList(v string) ([]float64, error) {
	items := listItems(v)
	out := make([]float64, 0, len(items))
	for _, s := range items {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
