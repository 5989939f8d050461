package collector

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxStoreInt is the largest integer value the store accepts for numeric
// header fields.
const MaxStoreInt = 2147483647

const maxPrintableLen = 200

// Required header sets by record format version. Each version is a strict
// superset of the previous one.
var (
	requiredHeadersV1 = []string{
		"Arch",
		"Build",
		"Creation-Timestamp",
		"Classification",
		"Host-Type",
		"Kernel-Version",
		"Machine-Id",
		"Severity",
		"Record-Format-Version",
	}
	requiredHeadersV2 = append(append([]string{}, requiredHeadersV1...),
		"Payload-Format-Version",
		"System-Name",
		"X-Telemetry-Tid",
	)
	requiredHeadersV3 = append(append([]string{}, requiredHeadersV2...),
		"Board-Name",
		"Bios-Version",
		"Cpu-Model",
	)
	requiredHeadersV4 = append(append([]string{}, requiredHeadersV3...),
		"Event-Id",
	)
)

// RequiredHeaders returns the required header names for a record format
// version, or nil for an unsupported version.
func RequiredHeaders(version int) []string {
	switch version {
	case 1:
		return requiredHeadersV1
	case 2:
		return requiredHeadersV2
	case 3:
		return requiredHeadersV3
	case 4:
		return requiredHeadersV4
	}
	return nil
}

// InvalidUsage is a client-caused admission failure. It renders as a 400
// JSON body naming the violated constraint.
type InvalidUsage struct {
	Message    string
	StatusCode int
}

func (e *InvalidUsage) Error() string { return e.Message }

func invalidf(format string, args ...any) *InvalidUsage {
	return &InvalidUsage{Message: fmt.Sprintf(format, args...), StatusCode: 400}
}

// FieldKind identifies a validated record field. The set is closed: every
// kind carries its own validation rule in Validate.
type FieldKind int

const (
	FieldRecordFormatVersion FieldKind = iota
	FieldSeverity
	FieldClassification
	FieldMachineID
	FieldTimestamp
	FieldArchitecture
	FieldHostType
	FieldKernelVersion
	FieldPayloadFormatVersion
	FieldBuild
	FieldBoardName
	FieldCPUModel
	FieldBIOSVersion
	FieldEventID
)

func (k FieldKind) String() string {
	switch k {
	case FieldRecordFormatVersion:
		return "Record-Format-Version"
	case FieldSeverity:
		return "Severity"
	case FieldClassification:
		return "Classification"
	case FieldMachineID:
		return "Machine-Id"
	case FieldTimestamp:
		return "Creation-Timestamp"
	case FieldArchitecture:
		return "Arch"
	case FieldHostType:
		return "Host-Type"
	case FieldKernelVersion:
		return "Kernel-Version"
	case FieldPayloadFormatVersion:
		return "Payload-Format-Version"
	case FieldBuild:
		return "Build"
	case FieldBoardName:
		return "Board-Name"
	case FieldCPUModel:
		return "Cpu-Model"
	case FieldBIOSVersion:
		return "Bios-Version"
	case FieldEventID:
		return "Event-Id"
	}
	return "unknown"
}

var knownArchitectures = map[string]bool{
	"armv7l": true, "armv6l": true, "amd64": true, "sparc64": true,
	"ppc64": true, "i686": true, "i386": true, "x86_64": true, "ppc": true,
}

// Validate checks a single field value against its kind's rule. It returns
// an *InvalidUsage naming the field on failure, nil otherwise.
func (k FieldKind) Validate(value string) error {
	switch k {
	case FieldRecordFormatVersion:
		v, err := strconv.Atoi(value)
		if err != nil || v < 1 || v > 4 {
			return invalidf("Record-Format-Version value %s is not supported", value)
		}
	case FieldSeverity:
		v, err := strconv.Atoi(value)
		if err != nil || v < 1 || v > 4 {
			return invalidf("Severity should be a numeric value between 1 and 4")
		}
	case FieldClassification:
		if value == "" || len(strings.Split(value, "/")) != 3 {
			return invalidf("Classification must have three /-separated segments")
		}
	case FieldMachineID:
		if value == "" || len(value) > 32 {
			return invalidf("Machine id too long")
		}
	case FieldTimestamp:
		if !isDigits(value) {
			return invalidf("Creation-Timestamp should be a numeric value")
		}
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return invalidf("Creation-Timestamp value %s outside of range supported", value)
		}
	case FieldArchitecture:
		if !knownArchitectures[value] {
			return invalidf("Arch value %s is not recognized", value)
		}
	case FieldHostType:
		if value == "" || len(value) >= 250 {
			return invalidf("Host-Type is blank or too long")
		}
	case FieldKernelVersion:
		parts := strings.Split(value, ".")
		if len(parts) < 2 || !isDigits(parts[0]) || !isDigits(parts[1]) {
			return invalidf("Kernel-Version must look like MAJOR.MINOR...")
		}
	case FieldPayloadFormatVersion:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil || v < 0 || v > MaxStoreInt {
			return invalidf("Payload format version outside of range supported")
		}
	case FieldBuild, FieldBoardName, FieldCPUModel, FieldBIOSVersion:
		if value == "" || len(value) >= maxPrintableLen || !isPrintable(value) {
			return invalidf("%s is blank, too long or not printable", k)
		}
	case FieldEventID:
		if len(value) != 32 || !isLowerHex(value) {
			return invalidf("Event-Id must be 32 lowercase hex characters")
		}
	}
	return nil
}

// ValidateTID checks the client's telemetry ID against the configured one.
// A mismatch is the hard tenant-isolation rejection.
func ValidateTID(got, want string) error {
	if got != want {
		return invalidf("Telemetry ID mismatch. Expected: %s; Actual: %s", want, got)
	}
	return nil
}

// ValidateHeaderSet checks that every header required for the record format
// version is present and non-blank. Unknown versions fail closed.
func ValidateHeaderSet(version int, get func(string) string) error {
	required := RequiredHeaders(version)
	if required == nil {
		return invalidf("Record-Format-Version value %d is not supported", version)
	}
	for _, name := range required {
		if get(name) == "" {
			return invalidf("Request header %s is missing", name)
		}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return s != ""
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r >= 32 && r < 127 {
			continue
		}
		switch r {
		case '\t', '\n', '\r', '\v', '\f':
			continue
		}
		return false
	}
	return true
}
