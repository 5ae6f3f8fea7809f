package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cubered/internal/logging"
	"cubered/internal/metrics"
	"cubered/internal/pipeline"
	"cubered/internal/storage"
)

type stubHistory struct {
	runs    []storage.RunRecord
	stages  map[string][]storage.StageRecord
	headers []storage.HeaderRecord
	err     error
	limit   int
}

func (s *stubHistory) RecentRuns(limit int) ([]storage.RunRecord, error) {
	s.limit = limit
	return s.runs, s.err
}

func (s *stubHistory) StageRecords(runID string) ([]storage.StageRecord, error) {
	return s.stages[runID], s.err
}

func (s *stubHistory) Headers(paths ...string) ([]storage.HeaderRecord, error) {
	return s.headers, s.err
}

func newTestServer(t *testing.T, hist History, hub *pipeline.Hub, opts ...Option) *httptest.Server {
	t.Helper()
	s := New("", hist, hub, logging.Discard(), opts...)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &stubHistory{}, nil)
	if resp := get(t, ts.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestRunsAndStages(t *testing.T) {
	hist := &stubHistory{
		runs: []storage.RunRecord{{ID: "r1", Name: "hd1160", Status: "completed", Files: 2}},
		stages: map[string][]storage.StageRecord{
			"r1": {{RunID: "r1", Input: "a.fits", Stage: "calibration", State: "done"}},
		},
	}
	ts := newTestServer(t, hist, nil)

	var runs []storage.RunRecord
	if err := json.NewDecoder(get(t, ts.URL+"/runs?limit=5").Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" || hist.limit != 5 {
		t.Fatalf("runs = %+v limit=%d", runs, hist.limit)
	}

	var stages []storage.StageRecord
	if err := json.NewDecoder(get(t, ts.URL+"/runs/r1/stages").Body).Decode(&stages); err != nil {
		t.Fatal(err)
	}
	if len(stages) != 1 || stages[0].Stage != "calibration" {
		t.Fatalf("stages = %+v", stages)
	}

	if resp := get(t, ts.URL+"/runs/nope/stages"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run: status %d", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/runs?limit=x"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", resp.StatusCode)
	}
}

func TestHistoryErrors(t *testing.T) {
	ts := newTestServer(t, &stubHistory{err: errors.New("db down")}, nil)
	if resp := get(t, ts.URL+"/runs"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/headers"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.RecordStage("coadd", "done", time.Second)

	ts := newTestServer(t, &stubHistory{}, nil, WithGatherer(reg))
	resp := get(t, ts.URL+"/metrics")
	body := new(strings.Builder)
	if _, err := bufio.NewReader(resp.Body).WriteTo(body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.String(), "cubered_stage_outcomes_total") {
		t.Fatalf("metrics output missing stage counter:\n%s", body.String())
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	hub := pipeline.NewHub(logging.Discard())
	ts := newTestServer(t, &stubHistory{}, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// the handler subscribes after flushing headers, so keep publishing
	go func() {
		for ctx.Err() == nil {
			hub.Publish(pipeline.Event{RunID: "r1", Input: "a.fits", Stage: pipeline.StageCoadd, State: pipeline.StateDone})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev pipeline.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.RunID != "r1" || ev.Stage != pipeline.StageCoadd {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestWebSocketDeliversEvents(t *testing.T) {
	hub := pipeline.NewHub(logging.Discard())
	ts := newTestServer(t, &stubHistory{}, hub)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			hub.Publish(pipeline.Event{RunID: "r2", State: pipeline.StateFailed, Error: "bad"})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev pipeline.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.RunID != "r2" || ev.Error != "bad" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStreamWithoutHub(t *testing.T) {
	ts := newTestServer(t, &stubHistory{}, nil)
	if resp := get(t, ts.URL+"/stream"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestStatusTracksEvents(t *testing.T) {
	tr := &tracker{}
	tr.observe(pipeline.Event{RunID: "r1", State: pipeline.StateDone})
	tr.observe(pipeline.Event{RunID: "r1", State: pipeline.StateFailed})
	st := tr.snapshot()
	if st.Events != 2 || st.Failures != 1 || st.LastRun != "r1" {
		t.Fatalf("status = %+v", st)
	}
}

func TestGRPCHealth(t *testing.T) {
	s := New("", &stubHistory{}, nil, logging.Discard())
	s.markServing(true)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	gs := s.GRPCServer()
	go gs.Serve(lis)
	defer gs.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", resp.GetStatus())
	}

	s.markServing(false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after shutdown = %v", resp.GetStatus())
	}
}
