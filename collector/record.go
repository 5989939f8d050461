package collector

import (
	"database/sql"
	"regexp"
	"strings"
	"time"
)

// ClearLinuxOS is the first-party OS identifier. Records from it carry
// strictly numeric build numbers.
const ClearLinuxOS = "clear-linux-os"

var (
	clearBuildRegex   = regexp.MustCompile(`^[0-9]+$`)
	genericBuildRegex = regexp.MustCompile(`^[-_a-zA-Z0-9.]+$`)
)

// Record is one admitted telemetry/crash event. Core fields are immutable
// after admission; only Payload (demangling), Processed and GuiltyID are
// mutated afterwards, by the crash worker.
type Record struct {
	ID                   int64
	MachineID            string
	HostType             string
	Severity             int
	Classification       string
	Build                string
	Arch                 string
	KernelVersion        string
	RecordFormatVersion  int
	PayloadFormatVersion int64
	TsCapture            int64
	TsReception          int64
	OSName               string
	BoardName            string
	BiosVersion          string
	CPUModel             string
	EventID              string
	External             bool
	Payload              string
	Processed            bool
	GuiltyID             sql.NullInt64
}

// View is the wire shape of a record, shared by the 201 admission response
// and the query API.
type View struct {
	ID                  int64  `json:"id"`
	MachineID           string `json:"machine_id"`
	MachineType         string `json:"machine_type"`
	Arch                string `json:"arch"`
	Build               string `json:"build"`
	KernelVersion       string `json:"kernel_version"`
	TsCapture           string `json:"ts_capture"`
	TsReception         string `json:"ts_reception"`
	Severity            int    `json:"severity"`
	Classification      string `json:"classification"`
	RecordFormatVersion int    `json:"record_format_version"`
	Payload             string `json:"payload"`
	BoardName           string `json:"board_name"`
	BiosVersion         string `json:"bios_version"`
	CPUModel            string `json:"cpu_model"`
	EventID             string `json:"event_id"`
}

// View returns the JSON representation of the record.
func (r *Record) View() View {
	return View{
		ID:                  r.ID,
		MachineID:           r.MachineID,
		MachineType:         r.HostType,
		Arch:                r.Arch,
		Build:               r.Build,
		KernelVersion:       r.KernelVersion,
		TsCapture:           formatTimestamp(r.TsCapture),
		TsReception:         formatTimestamp(r.TsReception),
		Severity:            r.Severity,
		Classification:      r.Classification,
		RecordFormatVersion: r.RecordFormatVersion,
		Payload:             r.Payload,
		BoardName:           r.BoardName,
		BiosVersion:         r.BiosVersion,
		CPUModel:            r.CPUModel,
		EventID:             r.EventID,
	}
}

func formatTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05 UTC")
}

// StripQuotes removes single and double quote characters. os-release values
// commonly arrive quoted; the semantic value is unquoted.
func StripQuotes(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	return strings.ReplaceAll(s, "'", "")
}

// NormalizeBuild strips quoting and enforces the OS-specific build format:
// digits only for Clear Linux OS, the os-release VERSION_ID charset plus
// capital letters otherwise.
func NormalizeBuild(build, osName string) (string, error) {
	build = StripQuotes(build)
	if osName == ClearLinuxOS {
		if !clearBuildRegex.MatchString(build) {
			return "", invalidf("Clear Linux OS build version has invalid characters")
		}
		return build, nil
	}
	if !genericBuildRegex.MatchString(build) {
		return "", invalidf("Build version has invalid characters")
	}
	return build, nil
}

// Classification correction for corrected machine-check events that are
// actually thermal events.
const (
	mceCorrectedClass = "org.clearlinux/mce/corrected"
	mceThermalClass   = "org.clearlinux/mce/thermal"
)

// CorrectClassification rewrites corrected-MCE records whose payload shows
// a thermal signal into the thermal subclass.
func CorrectClassification(classification, payload string) string {
	if classification == mceCorrectedClass && strings.Contains(payload, "THERMAL") {
		return mceThermalClass
	}
	return classification
}
