package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/telemd/idgen"
	"github.com/hazyhaar/telemd/observability"
	"github.com/hazyhaar/telemd/shield"
)

// Enqueuer dispatches crash-processing jobs. Satisfied by vtq.Q.
type Enqueuer interface {
	Publish(ctx context.Context, id string, payload []byte) error
}

// CrashJob is the queue payload for one admitted crash record.
type CrashJob struct {
	RecordID       int64  `json:"record_id"`
	Classification string `json:"classification"`
}

// Handler serves the admission endpoint and the records query API.
type Handler struct {
	cfg            *Config
	store          *Store
	queue          Enqueuer
	isCrash        func(classification string) bool
	events         *observability.EventLogger
	quarantineName idgen.Generator
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithQueue enables asynchronous crash processing: records whose
// classification satisfies isCrash are enqueued after admission.
func WithQueue(q Enqueuer, isCrash func(string) bool) HandlerOption {
	return func(h *Handler) {
		h.queue = q
		h.isCrash = isCrash
	}
}

// WithEventLogger records admission events to the observability store.
func WithEventLogger(el *observability.EventLogger) HandlerOption {
	return func(h *Handler) { h.events = el }
}

// WithQuarantineNameGenerator overrides quarantine file naming (tests).
func WithQuarantineNameGenerator(gen idgen.Generator) HandlerOption {
	return func(h *Handler) { h.quarantineName = gen }
}

// NewHandler creates the collector handler.
func NewHandler(cfg *Config, store *Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		cfg:            cfg,
		store:          store,
		isCrash:        func(string) bool { return false },
		quarantineName: idgen.Timestamped(idgen.Default),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes registers the collector endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handlePost)
	r.Get("/", h.handleRedirect)
	r.Post("/v2/collector", h.handlePost)
	r.Get("/v2/collector", h.handleRedirect)
	r.Get("/api/records", h.handleQuery)
}

func (h *Handler) handleRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/console", http.StatusFound)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := shield.GetLogger(ctx)

	rec, err := h.admit(r)
	if err != nil {
		if h.events != nil {
			h.events.LogEvent(ctx, observability.BusinessEvent{
				EventType:   "record_rejected",
				ServiceName: "collector",
				EntityType:  "record",
				Action:      "admit",
				Details:     jsonDetail("message", err.Error()),
			})
		}
		writeError(w, log, err)
		return
	}

	if h.queue != nil && h.isCrash(rec.Classification) {
		h.enqueueCrash(ctx, rec)
	}
	if h.events != nil {
		h.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   "record_admitted",
			ServiceName: "collector",
			EntityType:  "record",
			EntityID:    strconv.FormatInt(rec.ID, 10),
			Action:      "admit",
			Details:     jsonDetail("classification", rec.Classification),
			Success:     true,
		})
	}

	writeJSON(w, http.StatusCreated, rec.View())
}

// admit runs the validation pipeline and persists the record. It returns
// *InvalidUsage for client faults.
func (h *Handler) admit(r *http.Request) (*Record, error) {
	get := r.Header.Get

	if err := ValidateTID(get("X-Telemetry-Tid"), h.cfg.TelemetryID); err != nil {
		return nil, err
	}

	if err := FieldRecordFormatVersion.Validate(get("Record-Format-Version")); err != nil {
		return nil, err
	}
	version, _ := strconv.Atoi(get("Record-Format-Version"))
	if err := ValidateHeaderSet(version, get); err != nil {
		return nil, err
	}

	type fieldCheck struct {
		kind  FieldKind
		value string
	}
	checks := []fieldCheck{
		{FieldSeverity, get("Severity")},
		{FieldClassification, get("Classification")},
		{FieldMachineID, get("Machine-Id")},
		{FieldTimestamp, get("Creation-Timestamp")},
		{FieldArchitecture, get("Arch")},
		{FieldHostType, get("Host-Type")},
		{FieldKernelVersion, get("Kernel-Version")},
	}
	if version >= 3 {
		checks = append(checks,
			fieldCheck{FieldBoardName, get("Board-Name")},
			fieldCheck{FieldBIOSVersion, get("Bios-Version")},
			fieldCheck{FieldCPUModel, get("Cpu-Model")},
		)
	}
	if version >= 4 {
		checks = append(checks, fieldCheck{FieldEventID, get("Event-Id")})
	}
	for _, c := range checks {
		if err := c.kind.Validate(c.value); err != nil {
			return nil, err
		}
	}

	pfvRaw := get("Payload-Format-Version")
	if pfvRaw == "" {
		pfvRaw = "1"
	}
	if err := FieldPayloadFormatVersion.Validate(pfvRaw); err != nil {
		return nil, err
	}
	pfv, _ := strconv.ParseInt(pfvRaw, 10, 64)

	osName := StripQuotes(get("System-Name"))
	build, err := NormalizeBuild(get("Build"), osName)
	if err != nil {
		return nil, err
	}

	payload, err := ResolvePayload(r, h.cfg.QuarantineDir, h.quarantineName)
	if err != nil {
		return nil, err
	}

	payloadText := payload.Text
	binary := pfv >= BinaryAttachmentMin && pfv <= BinaryAttachmentMax
	if binary {
		payloadText = payload.MimeType
	}

	severity, _ := strconv.Atoi(get("Severity"))
	tsCapture, _ := strconv.ParseInt(get("Creation-Timestamp"), 10, 64)

	rec := &Record{
		MachineID:            get("Machine-Id"),
		HostType:             get("Host-Type"),
		Severity:             severity,
		Classification:       CorrectClassification(get("Classification"), payloadText),
		Build:                build,
		Arch:                 get("Arch"),
		KernelVersion:        get("Kernel-Version"),
		RecordFormatVersion:  version,
		PayloadFormatVersion: pfv,
		TsCapture:            tsCapture,
		TsReception:          time.Now().Unix(),
		OSName:               osName,
		BoardName:            get("Board-Name"),
		BiosVersion:          get("Bios-Version"),
		CPUModel:             get("Cpu-Model"),
		EventID:              get("Event-Id"),
		External:             get("X-CLR-External") == "true",
		Payload:              payloadText,
	}

	ctx := r.Context()
	if binary && payload.FilePath != "" {
		if err := h.store.InsertWithAttachment(ctx, rec, payload.FilePath, payload.MimeType); err != nil {
			return nil, err
		}
	} else if err := h.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// enqueueCrash dispatches the record for asynchronous crash processing.
// Failures are logged; they never fail the admission.
func (h *Handler) enqueueCrash(ctx context.Context, rec *Record) {
	job, err := json.Marshal(CrashJob{RecordID: rec.ID, Classification: rec.Classification})
	if err != nil {
		return
	}
	if err := h.queue.Publish(context.WithoutCancel(ctx), idgen.New(), job); err != nil {
		shield.GetLogger(ctx).Error("crash job enqueue failed", "record_id", rec.ID, "error", err)
	}
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())
	f, err := parseQueryFilter(r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	records, err := h.store.QueryRecords(r.Context(), *f)
	if err != nil {
		writeError(w, log, err)
		return
	}
	views := make([]View, 0, len(records))
	for _, rec := range records {
		views = append(views, rec.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views})
}

func parseQueryFilter(r *http.Request) (*Filter, error) {
	q := r.URL.Query()
	var f Filter

	if v := q.Get("severity"); v != "" {
		if err := FieldSeverity.Validate(v); err != nil {
			return nil, err
		}
		f.Severity, _ = strconv.Atoi(v)
	}
	if v := q.Get("classification"); v != "" {
		if len(v) > 140 {
			return nil, invalidf("Classification string too long")
		}
		f.Classification = v
	}
	if v := q.Get("build"); v != "" {
		if len(v) > 256 {
			return nil, invalidf("Build string too long")
		}
		f.Build = v
	}
	if v := q.Get("machine_id"); v != "" {
		if len(v) > 32 {
			return nil, invalidf("Machine id too long")
		}
		f.MachineID = v
	}
	if v := q.Get("created_in_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return nil, invalidf("created_in_days should be a positive numeric value")
		}
		f.IntervalSec = int64(days) * 86400
	} else if v := q.Get("created_in_sec"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil || sec <= 0 {
			return nil, invalidf("created_in_sec should be a positive numeric value")
		}
		f.IntervalSec = sec
	}
	if f.IntervalSec > MaxIntervalSec {
		f.IntervalSec = MaxIntervalSec
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, invalidf("Limit should be a positive numeric value")
		}
		f.Limit = n
	}
	return &f, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var iu *InvalidUsage
	if errors.As(err, &iu) {
		log.Warn("admission rejected", "message", iu.Message)
		writeJSON(w, iu.StatusCode, map[string]string{"message": iu.Message})
		return
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"message": "payload too large"})
		return
	}
	log.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
}

func jsonDetail(key, value string) string {
	b, _ := json.Marshal(map[string]string{key: value})
	return string(b)
}
