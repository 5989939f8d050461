// Package e2e tests the full ingestion chain in one process: a record
// admitted over HTTP is queued, the crash worker attributes it, and the
// result is visible through the query API and the console.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/telemd/collector"
	"github.com/hazyhaar/telemd/console"
	"github.com/hazyhaar/telemd/crash"
	"github.com/hazyhaar/telemd/dbopen"
	"github.com/hazyhaar/telemd/shield"
	"github.com/hazyhaar/telemd/vtq"

	_ "modernc.org/sqlite"
)

const testTID = "6907c830-eed9-4ce9-81ae-76daf8d88f0f"

const crashPayload = `Process: /usr/bin/hello
PID: 77
Signal: 11
Backtrace (TID 77):
#0 raise() - [/usr/lib64/libc.so.6]
#1 _Z7do_workv() - [/usr/bin/hello]
#2 main() - [/usr/bin/hello]
#3 __libc_start_main() - [/usr/lib64/libc.so.6]
#4 _start() - [/usr/bin/hello]
`

type stack struct {
	srv      *httptest.Server
	store    *collector.Store
	registry *crash.Registry
}

// newStack wires the production composition: shield middleware, the
// collector with a vtq-backed crash queue, a running worker, and the
// console mounted under /console.
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(collector.Schema),
		dbopen.WithSchema(crash.Schema),
	)
	store := collector.NewStore(db)
	registry := crash.NewRegistry(db)

	queue := vtq.New(db, vtq.Options{Queue: "crash", PollInterval: 10 * time.Millisecond})
	if err := queue.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	worker := crash.NewWorker(store, registry)
	go queue.Run(ctx, worker.Handle)

	cfg := collector.DefaultConfig()
	cfg.QuarantineDir = t.TempDir()

	ch := collector.NewHandler(cfg, store,
		collector.WithQueue(queue, crash.IsCrashClassification),
	)
	cons := console.NewHandler(store, registry, worker,
		console.WithSweepQueue(queue),
	)

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(cfg.MaxPayloadBytes(), nil) {
		r.Use(mw)
	}
	ch.Routes(r)
	r.Route("/console", func(r chi.Router) {
		cons.Routes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, store: store, registry: registry}
}

func postRecord(t *testing.T, srv *httptest.Server, classification, payload string) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v2/collector", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/text")
	for k, v := range map[string]string{
		"Arch":                   "x86_64",
		"Build":                  "17700",
		"Creation-Timestamp":     "1483232400",
		"Classification":         classification,
		"Host-Type":              "LenovoT460",
		"Kernel-Version":         "4.14.12-arch1",
		"Machine-Id":             "1234",
		"Severity":               "2",
		"Record-Format-Version":  "2",
		"Payload-Format-Version": "1",
		"System-Name":            "clear-linux-os",
		"X-Telemetry-Tid":        testTID,
	} {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admission status = %d, want 201", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

// waitAttributed polls until the record carries a guilty id.
func waitAttributed(t *testing.T, store *collector.Store, id int64) *collector.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetRecord(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Processed && rec.GuiltyID.Valid {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("record never attributed")
	return nil
}

func TestE2E_CrashIngestToAttribution(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	body := postRecord(t, s.srv, "org.clearlinux/crash/clr", crashPayload)
	recID := int64(body["id"].(float64))

	rec := waitAttributed(t, s.store, recID)

	// Frame #0 is never a candidate; the mangled frame #1 is demangled
	// before detection.
	g, err := s.registry.Get(ctx, rec.GuiltyID.Int64)
	if err != nil {
		t.Fatal(err)
	}
	if g.Function != "do_work()" || g.Module != "/usr/bin/hello" {
		t.Errorf("guilty = %q in %q", g.Function, g.Module)
	}

	// The query API reports the demangled payload.
	resp, err := http.Get(s.srv.URL + "/api/records?classification=org.clearlinux/crash/clr")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var qr struct {
		Records []collector.View `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		t.Fatal(err)
	}
	if len(qr.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(qr.Records))
	}
	if !strings.Contains(qr.Records[0].Payload, "do_work()") {
		t.Error("payload not demangled in query response")
	}

	// The console ranks the guilty.
	resp, err = http.Get(s.srv.URL + "/console/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats struct {
		TotalRecords int64 `json:"total_records"`
		TopGuilties  []struct {
			Function string `json:"function"`
			Count    int64  `json:"count"`
		} `json:"top_guilties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalRecords != 1 {
		t.Errorf("total_records = %d", stats.TotalRecords)
	}
	if len(stats.TopGuilties) != 1 || stats.TopGuilties[0].Function != "do_work()" {
		t.Errorf("top_guilties = %+v", stats.TopGuilties)
	}
}

func TestE2E_NonCrashRecordNotQueued(t *testing.T) {
	s := newStack(t)

	body := postRecord(t, s.srv, "org.example/heartbeat/ping", "1")
	recID := int64(body["id"].(float64))

	// Give the worker a chance to (wrongly) pick it up.
	time.Sleep(100 * time.Millisecond)
	rec, err := s.store.GetRecord(context.Background(), recID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Processed || rec.GuiltyID.Valid {
		t.Error("non-crash record was processed")
	}
}

func TestE2E_BlacklistEditReflowsAttribution(t *testing.T) {
	s := newStack(t)

	body := postRecord(t, s.srv, "org.clearlinux/crash/clr", crashPayload)
	recID := int64(body["id"].(float64))
	waitAttributed(t, s.store, recID)

	// Blacklisting the attributed frame through the console moves the
	// attribution to the next frame.
	resp, err := http.PostForm(s.srv.URL+"/console/guilty_edit", url.Values{
		"record_id": {fmt.Sprint(recID)},
		"action":    {"apply"},
		"frames":    {"do_work()||||/usr/bin/hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("guilty_edit status = %d", resp.StatusCode)
	}
	var edit struct {
		Guilty struct {
			Function string `json:"function"`
		} `json:"guilty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&edit); err != nil {
		t.Fatal(err)
	}
	if edit.Guilty.Function != "main()" {
		t.Errorf("reattributed guilty = %q, want main()", edit.Guilty.Function)
	}
}
