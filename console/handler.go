// Package console exposes the operator API: guilty triage (comments,
// hiding, blacklist edits with reprocessing), record inspection, CSV
// export and aggregate stats. It is mounted behind basic auth.
package console

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/telemd/collector"
	"github.com/hazyhaar/telemd/crash"
	"github.com/hazyhaar/telemd/idgen"
	"github.com/hazyhaar/telemd/shield"
)

// choiceSep joins a function and module into one form value.
const choiceSep = "||||"

// maxBacktraces caps the backtrace listing for one guilty.
const maxBacktraces = 50

// Handler serves the console API over the shared records store.
type Handler struct {
	store    *collector.Store
	registry *crash.Registry
	worker   *crash.Worker
	queue    collector.Enqueuer
	sanitize *bluemonday.Policy
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSweepQueue dispatches full reprocessing sweeps asynchronously
// instead of running them inline.
func WithSweepQueue(q collector.Enqueuer) HandlerOption {
	return func(h *Handler) { h.queue = q }
}

// NewHandler creates the console handler.
func NewHandler(store *collector.Store, registry *crash.Registry, worker *crash.Worker, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:    store,
		registry: registry,
		worker:   worker,
		sanitize: bluemonday.StrictPolicy(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes registers the console endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/stats", h.handleStats)
	r.Get("/guilty", h.handleTopGuilties)
	r.Get("/guilty/hidden", h.handleHidden)
	r.Put("/guilty/{id}/comment", h.handleComment)
	r.Put("/guilty/{id}/hide", h.handleHide)
	r.Get("/guilty/{id}/backtraces", h.handleBacktraces)
	r.Get("/funcmods", h.handleFuncmods)
	r.Post("/blacklist", h.handleBlacklist)
	r.Get("/records/{id}/frames", h.handleFrames)
	r.Post("/guilty_edit", h.handleGuiltyEdit)
	r.Get("/export/records.csv", h.handleExport)
}

type guiltyView struct {
	ID       int64  `json:"id"`
	Function string `json:"function"`
	Module   string `json:"module"`
	Comment  string `json:"comment"`
	Hidden   bool   `json:"hidden"`
	Count    int64  `json:"count,omitempty"`
}

func toGuiltyView(g crash.Guilty) guiltyView {
	return guiltyView{ID: g.ID, Function: g.Function, Module: g.Module, Comment: g.Comment, Hidden: g.Hidden}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := h.store.TotalRecords(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	stats := map[string]any{"total_records": total}
	for _, col := range []string{"classification", "severity", "build"} {
		counts, err := h.store.CountBy(ctx, col, 10)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		stats["by_"+col] = counts
	}
	top, err := h.registry.Top(ctx, 10)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]guiltyView, 0, len(top))
	for _, gc := range top {
		gv := toGuiltyView(gc.Guilty)
		gv.Count = gc.Count
		views = append(views, gv)
	}
	stats["top_guilties"] = views
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleTopGuilties(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit should be a positive numeric value")
			return
		}
		limit = n
	}
	top, err := h.registry.Top(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]guiltyView, 0, len(top))
	for _, gc := range top {
		gv := toGuiltyView(gc.Guilty)
		gv.Count = gc.Count
		views = append(views, gv)
	}
	writeJSON(w, http.StatusOK, map[string]any{"guilties": views})
}

func (h *Handler) handleHidden(w http.ResponseWriter, r *http.Request) {
	hidden, err := h.registry.Hidden(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]guiltyView, 0, len(hidden))
	for _, g := range hidden {
		views = append(views, toGuiltyView(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"guilties": views})
}

func (h *Handler) handleComment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	comment := h.sanitize.Sanitize(body.Comment)
	if err := h.registry.UpdateComment(r.Context(), id, comment); err != nil {
		h.fail(w, r, err)
		return
	}
	g, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGuiltyView(*g))
}

func (h *Handler) handleHide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Hidden bool `json:"hidden"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if err := h.registry.UpdateHidden(r.Context(), id, body.Hidden); err != nil {
		h.fail(w, r, err)
		return
	}
	g, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGuiltyView(*g))
}

type frameView struct {
	Function    string `json:"function"`
	Module      string `json:"module"`
	SourceInfo  string `json:"source_info,omitempty"`
	Blacklisted bool   `json:"blacklisted"`
}

type crashView struct {
	RecordID int64       `json:"record_id"`
	Program  string      `json:"program,omitempty"`
	PID      string      `json:"pid,omitempty"`
	Signal   string      `json:"signal,omitempty"`
	Frames   []frameView `json:"frames"`
}

func (h *Handler) handleBacktraces(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	crashes, err := crash.ExplodeBacktraces(r.Context(), h.store, crash.BacktraceClasses(),
		id, q.Get("machine_id"), q.Get("build"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(crashes) > maxBacktraces {
		crashes = crashes[:maxBacktraces]
	}
	views := make([]crashView, 0, len(crashes))
	for _, c := range crashes {
		views = append(views, toCrashView(c, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"backtraces": views})
}

func (h *Handler) handleFuncmods(w http.ResponseWriter, r *http.Request) {
	fms, err := crash.AllFuncmods(r.Context(), h.store, crash.BacktraceClasses())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	type fmView struct {
		Function string `json:"function"`
		Module   string `json:"module"`
	}
	views := make([]fmView, 0, len(fms))
	for _, fm := range fms {
		views = append(views, fmView{Function: fm.Function, Module: fm.Module})
	}
	writeJSON(w, http.StatusOK, map[string]any{"funcmods": views})
}

func (h *Handler) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Function string `json:"function"`
		Module   string `json:"module"`
		Action   string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.Function == "" || body.Module == "" {
		badRequest(w, "function and module are required")
		return
	}
	fm := []crash.Funcmod{{Function: body.Function, Module: body.Module}}
	var err error
	switch body.Action {
	case "add":
		err = h.registry.BlacklistUpdate(r.Context(), fm, nil)
	case "remove":
		err = h.registry.BlacklistUpdate(r.Context(), nil, fm)
	default:
		badRequest(w, "action should be add or remove")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleFrames(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	rec, err := h.store.GetRecord(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	blacklist, err := h.registry.BlacklistSnapshot(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	parsed := crash.ParseBacktrace(rec.ID, rec.Payload)
	writeJSON(w, http.StatusOK, toCrashView(parsed, blacklist))
}

func toCrashView(c crash.Crash, blacklist crash.Snapshot) crashView {
	cv := crashView{
		RecordID: c.RecordID,
		Program:  c.Program,
		PID:      c.PID,
		Signal:   c.Signal,
		Frames:   make([]frameView, 0, len(c.Frames)),
	}
	for _, f := range c.Frames {
		if !editableFrame(f) {
			continue
		}
		cv.Frames = append(cv.Frames, frameView{
			Function:    f.Function,
			Module:      f.Module,
			SourceInfo:  f.SourceInfo,
			Blacklisted: blacklist.Contains(f.Function, f.Module),
		})
	}
	return cv
}

// editableFrame excludes process entry points that would blacklist every
// userspace crash at once.
func editableFrame(f crash.Frame) bool {
	if strings.HasPrefix(f.Function, "_start") {
		return false
	}
	if strings.HasPrefix(f.Function, "__libc_start_main") && strings.Contains(f.Module, "libc.so.6") {
		return false
	}
	return true
}

// frameChoices lists the distinct editable funcmods of a backtrace, in
// frame order.
func frameChoices(frames []crash.Frame) []crash.Funcmod {
	seen := make(map[crash.Funcmod]bool, len(frames))
	choices := make([]crash.Funcmod, 0, len(frames))
	for _, f := range frames {
		if !editableFrame(f) {
			continue
		}
		fm := crash.Funcmod{Function: f.Function, Module: f.Module}
		if seen[fm] {
			continue
		}
		seen[fm] = true
		choices = append(choices, fm)
	}
	return choices
}

// handleGuiltyEdit applies a blacklist edit expressed as the checked
// subset of one record's frames: checked frames are blacklisted,
// unchecked ones are removed from the blacklist. The record (action
// "apply") or every backtrace-class record (action "apply_submit") is
// then reprocessed against the updated blacklist.
func (h *Handler) handleGuiltyEdit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		badRequest(w, "invalid form body")
		return
	}
	recID, err := strconv.ParseInt(r.FormValue("record_id"), 10, 64)
	if err != nil || recID <= 0 {
		badRequest(w, "record_id should be a positive numeric value")
		return
	}
	action := r.FormValue("action")
	if action != "apply" && action != "apply_submit" {
		badRequest(w, "action should be apply or apply_submit")
		return
	}

	ctx := r.Context()
	rec, err := h.store.GetRecord(ctx, recID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	checked := make(map[string]bool, len(r.Form["frames"]))
	for _, v := range r.Form["frames"] {
		checked[v] = true
	}
	var toAdd, toRemove []crash.Funcmod
	for _, fm := range frameChoices(crash.ParseBacktrace(rec.ID, rec.Payload).Frames) {
		if checked[fm.Function+choiceSep+fm.Module] {
			toAdd = append(toAdd, fm)
		} else {
			toRemove = append(toRemove, fm)
		}
	}
	if err := h.registry.BlacklistUpdate(ctx, toAdd, toRemove); err != nil {
		h.fail(w, r, err)
		return
	}

	classes := crash.BacktraceClasses()
	if action == "apply_submit" {
		if err := h.store.ResetProcessed(ctx, classes, 0); err != nil {
			h.fail(w, r, err)
			return
		}
		h.dispatchSweep(r)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reprocessing"})
		return
	}

	if err := h.store.ResetProcessed(ctx, classes, recID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.worker.Process(ctx, recID); err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err = h.store.GetRecord(ctx, recID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{"record_id": recID, "guilty": nil}
	if rec.GuiltyID.Valid {
		g, err := h.registry.Get(ctx, rec.GuiltyID.Int64)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp["guilty"] = toGuiltyView(*g)
	}
	writeJSON(w, http.StatusOK, resp)
}

// dispatchSweep queues a full reprocessing sweep, or runs it inline
// when no queue is configured.
func (h *Handler) dispatchSweep(r *http.Request) {
	ctx := r.Context()
	if h.queue == nil {
		if err := h.worker.ProcessAll(ctx); err != nil {
			shield.GetLogger(ctx).Error("reprocessing sweep failed", "error", err)
		}
		return
	}
	job, _ := json.Marshal(collector.CrashJob{RecordID: 0, Classification: crash.BacktraceClasses()[0]})
	if err := h.queue.Publish(ctx, idgen.New(), job); err != nil {
		shield.GetLogger(ctx).Error("sweep enqueue failed", "error", err)
	}
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f collector.Filter
	if v := q.Get("severity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "severity should be a numeric value")
			return
		}
		f.Severity = n
	}
	f.Classification = q.Get("classification")
	f.Build = q.Get("build")
	f.MachineID = q.Get("machine_id")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit should be a positive numeric value")
			return
		}
		f.Limit = n
	}

	records, err := h.store.QueryRecords(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="records.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"id", "external", "timestamp", "severity", "classification", "build", "machine_id", "payload"})
	for _, rec := range records {
		v := rec.View()
		cw.Write([]string{
			strconv.FormatInt(rec.ID, 10),
			strconv.FormatBool(rec.External),
			v.TsReception,
			strconv.Itoa(rec.Severity),
			rec.Classification,
			rec.Build,
			rec.MachineID,
			rec.Payload,
		})
	}
	cw.Flush()
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "id should be a positive numeric value")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	shield.GetLogger(r.Context()).Error("console request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
