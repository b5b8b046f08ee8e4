package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadflow/internal/controller"
	"loadflow/internal/model"
	"loadflow/internal/solver/solvertest"
	"loadflow/internal/store"
)

func testNetwork() *model.NetworkModel {
	return &model.NetworkModel{
		Name:      "feeder",
		BaseKV:    13.8,
		SourceBus: "src",
		SourcePU:  1.0,
		Buses: []model.Bus{
			{Name: "src", BaseKV: 13.8},
			{Name: "b1", BaseKV: 13.8},
			{Name: "b2", BaseKV: 13.8},
		},
		Generators:   []model.Generator{{Name: "g1", Bus: "b1", KV: 13.8, KW: 200, Vpu: 1.0}},
		Lines:        []model.Line{{Name: "l1", Bus1: "src", Bus2: "b1", ROhm: 0.1, XOhm: 0.3}},
		Transformers: []model.Transformer{{Name: "t1", Bus1: "b1", Bus2: "b2", KV1: 13.8, KV2: 13.8, KVA: 5000, XPercent: 6, Tap: 1}},
		Shunts:       []model.Shunt{{Name: "c1", Bus: "b1", KV: 13.8, Kvar: 100}},
		Loads:        []model.Load{{Name: "L1", Bus: "b2", KV: 13.8, KW: 800, Kvar: 300}},
	}
}

// testHandler loads the test network into a controller backed by the fake
// solver and returns a handler bound to it.
func testHandler(t *testing.T, fake *solvertest.Session) (*Handler, *store.Store) {
	t.Helper()
	log, _ := test.NewNullLogger()
	hub := quietHub()
	bridge := NewBridge(hub)

	net := testNetwork()
	c, err := controller.New(fake, controller.DefaultConfig(), bridge, log)
	require.NoError(t, err)
	_, err = c.Load(net)
	require.NoError(t, err)

	st := store.New()
	h := NewHandler(context.Background(), hub, bridge, c, st, net)
	h.Log = log
	return h, st
}

// dialHandler sets up a test server with the handler and returns a WS connection.
func dialHandler(t *testing.T, handler *Handler) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

// readJSON reads the next JSON message from the connection.
func readJSON(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

// sendJSON sends a JSON message on the connection.
func sendJSON(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHandler_InitialMessage(t *testing.T) {
	h, _ := testHandler(t, solvertest.New())
	conn, cleanup := dialHandler(t, h)
	defer cleanup()

	env := readJSON(t, conn)
	assert.Equal(t, TypeNetworkLoaded, env.Type)

	var p NetworkLoadedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "feeder", p.Name)
	assert.Equal(t, "src", p.SourceBus)
	assert.Equal(t, 3, p.Buses)
	assert.Equal(t, 1, p.Loads)
	assert.Equal(t, 1, p.Components["transformers"])
}

func TestHandler_RunStartStreamsSteps(t *testing.T) {
	h, st := testHandler(t, solvertest.New())
	conn, cleanup := dialHandler(t, h)
	defer cleanup()
	readJSON(t, conn) // network:loaded

	sendJSON(t, conn, TypeRunStart, RunStartPayload{Schedule: []float64{0.5, 1.0}, MaxLoadFactor: 0.5})

	for i, want := range []float64{0.25, 0.5} {
		env := readJSON(t, conn)
		require.Equal(t, TypeStepResult, env.Type)
		var p StepResultPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, i, p.Step)
		assert.InDelta(t, want, p.Multiplier, 1e-12)
		assert.True(t, p.Converged)
	}

	env := readJSON(t, conn)
	require.Equal(t, TypeRunCompleted, env.Type)
	var done RunSummaryPayload
	require.NoError(t, json.Unmarshal(env.Payload, &done))
	assert.Equal(t, 2, done.Converged)

	h.Wait()
	assert.Equal(t, 1, st.RunCount("feeder"))

	sendJSON(t, conn, TypeRunsList, nil)
	env = readJSON(t, conn)
	require.Equal(t, TypeRunsList, env.Type)
	var list RunsListPayload
	require.NoError(t, json.Unmarshal(env.Payload, &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, done.ID, list.Runs[0].ID)

	sendJSON(t, conn, TypeRunGet, RunGetPayload{ID: done.ID})
	env = readJSON(t, conn)
	require.Equal(t, TypeRunDetail, env.Type)
	var run model.ScheduleRun
	require.NoError(t, json.Unmarshal(env.Payload, &run))
	assert.Len(t, run.Results, 2)
}

func TestHandler_DefaultSchedule(t *testing.T) {
	h, _ := testHandler(t, solvertest.New())
	h.DefaultSchedule = model.Schedule{0.8}
	conn, cleanup := dialHandler(t, h)
	defer cleanup()
	readJSON(t, conn)

	sendJSON(t, conn, TypeRunStart, nil)
	env := readJSON(t, conn)
	require.Equal(t, TypeStepResult, env.Type)
	var p StepResultPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.InDelta(t, 0.8, p.Multiplier, 1e-12)
	assert.Equal(t, TypeRunCompleted, readJSON(t, conn).Type)
	h.Wait()
}

func TestHandler_Errors(t *testing.T) {
	h, _ := testHandler(t, solvertest.New())
	conn, cleanup := dialHandler(t, h)
	defer cleanup()
	readJSON(t, conn)

	expectError := func(contains string) {
		t.Helper()
		env := readJSON(t, conn)
		require.Equal(t, TypeError, env.Type)
		var p ErrorPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Contains(t, p.Message, contains)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	expectError("invalid message")

	sendJSON(t, conn, TypeRunStart, RunStartPayload{Schedule: []float64{0.5, -1}})
	expectError("invalid multiplier")

	sendJSON(t, conn, TypeRunGet, RunGetPayload{ID: "nope"})
	expectError("invalid run id")

	sendJSON(t, conn, TypeRunGet, RunGetPayload{ID: "7f1c3f58-4d39-4a8e-9d52-0f6f5d1f2c11"})
	expectError("unknown run")

	sendJSON(t, conn, "sim:start", nil)
	expectError("unknown message type")
}

type failingRunner struct{ err error }

func (f failingRunner) Run(context.Context, model.Schedule) (*model.ScheduleRun, error) {
	return nil, f.err
}

func TestHandler_RunFailedIsBroadcast(t *testing.T) {
	log, _ := test.NewNullLogger()
	hub := quietHub()
	bridge := NewBridge(hub)
	h := NewHandler(context.Background(), hub, bridge, failingRunner{errors.New("run already in progress")}, store.New(), testNetwork())
	h.Log = log

	conn, cleanup := dialHandler(t, h)
	defer cleanup()
	readJSON(t, conn)

	sendJSON(t, conn, TypeRunStart, RunStartPayload{})
	env := readJSON(t, conn)
	require.Equal(t, TypeRunFailed, env.Type)
	var p RunFailedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "run already in progress", p.Error)
	h.Wait()
}

func TestHandler_ClientDisconnectUnregisters(t *testing.T) {
	h, _ := testHandler(t, solvertest.New())
	conn, cleanup := dialHandler(t, h)
	readJSON(t, conn)
	assert.Equal(t, 1, h.hub.ClientCount())

	cleanup()
	assert.Eventually(t, func() bool { return h.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
