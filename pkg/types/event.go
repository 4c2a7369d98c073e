// Package types defines the normalized data model shared by every
// component: security events, signatures, severities, and the tagged
// union of per-source event payloads.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies which integration produced an event.
type Source string

const (
	SourceVulnerabilityScan Source = "vulnerability_scan"
	SourceHostIPS           Source = "host_ips"
	SourceNetworkIPS        Source = "network_ips"
	SourceFileIntegrity     Source = "file_integrity"
)

// Severity is the normalized urgency of an event.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// severityRank orders severities for batch priority and "highest finding"
// rollups; higher is more urgent.
var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityUnknown:  0,
}

// Rank returns the relative urgency of s, 0 for an unrecognized value.
func (s Severity) Rank() int { return severityRank[s] }

// MaxSeverity returns whichever of a, b ranks higher.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Details is the tagged-union payload every SecurityEvent carries. One
// concrete type exists per Source; fixers type-switch on it rather than
// walking an opaque map.
type Details interface {
	Source() Source
}

// VulnerabilityDetails is the payload from the vulnerability scan adapter,
// either a single finding (the common case) or a scan-wide summary.
type VulnerabilityDetails struct {
	CVE              string `json:"cve,omitempty"`
	Package          string `json:"package,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	FixedVersion     string `json:"fixed_version,omitempty"`
	Image            string `json:"image,omitempty"`

	// Summary-only fields, populated when the scanner reports counts
	// without per-finding detail.
	IsSummary bool `json:"is_summary,omitempty"`
	Critical  int  `json:"critical,omitempty"`
	High      int  `json:"high,omitempty"`
	Medium    int  `json:"medium,omitempty"`
	Images    int  `json:"images,omitempty"`
}

func (VulnerabilityDetails) Source() Source { return SourceVulnerabilityScan }

// NetworkIPSDetails is the payload from the network threat feed adapter
// (CrowdSec in the reference deployment).
type NetworkIPSDetails struct {
	IP         string  `json:"ip"`
	Scenario   string  `json:"scenario"`
	Confidence float64 `json:"confidence,omitempty"`
	BanDur     string  `json:"ban_duration,omitempty"`
}

func (NetworkIPSDetails) Source() Source { return SourceNetworkIPS }

// HostIPSDetails is the payload from the host intrusion-prevention adapter
// (fail2ban in the reference deployment).
type HostIPSDetails struct {
	IP   string `json:"ip"`
	Jail string `json:"jail"`
}

func (HostIPSDetails) Source() Source { return SourceHostIPS }

// ChangeKind enumerates the kinds of file-integrity change AIDE reports.
type ChangeKind string

const (
	ChangeChanged ChangeKind = "changed"
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
)

// FileIntegrityDetails is the payload from the file-integrity adapter.
type FileIntegrityDetails struct {
	Path               string     `json:"path"`
	Kind               ChangeKind `json:"change_kind"`
	PermissionsChanged bool       `json:"permissions_changed,omitempty"`
	OwnerChanged       bool       `json:"owner_changed,omitempty"`
	ContentChanged     bool       `json:"content_changed,omitempty"`
	SizeChanged        bool       `json:"size_changed,omitempty"`
}

func (FileIntegrityDetails) Source() Source { return SourceFileIntegrity }

// AdapterFailureDetails is the payload of the meta-event the Event
// Watcher synthesizes after three consecutive poll failures of the same
// adapter, per spec.md §4.2's failure model.
type AdapterFailureDetails struct {
	FailingSource     Source `json:"failing_source"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error"`
}

func (d AdapterFailureDetails) Source() Source { return d.FailingSource }

// SecurityEvent is a normalized observation from a Source Adapter.
type SecurityEvent struct {
	EventID   string    `json:"event_id"`
	Source    Source    `json:"source"`
	EventType string    `json:"event_type"`
	Severity  Severity  `json:"severity"`
	Details   Details   `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// eventWire is SecurityEvent's JSON wire shape: Details is a closed
// interface, so it round-trips as a raw payload dispatched on Source
// rather than encoding/json's default (which only works for interface{}).
type eventWire struct {
	EventID   string          `json:"event_id"`
	Source    Source          `json:"source"`
	EventType string          `json:"event_type"`
	Severity  Severity        `json:"severity"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (e SecurityEvent) MarshalJSON() ([]byte, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{
		EventID:   e.EventID,
		Source:    e.Source,
		EventType: e.EventType,
		Severity:  e.Severity,
		Details:   details,
		Timestamp: e.Timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler, reconstructing the concrete
// Details type from the event's Source field.
func (e *SecurityEvent) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	e.EventID = wire.EventID
	e.Source = wire.Source
	e.EventType = wire.EventType
	e.Severity = wire.Severity
	e.Timestamp = wire.Timestamp

	if len(wire.Details) == 0 || string(wire.Details) == "null" {
		return nil
	}

	switch wire.Source {
	case SourceVulnerabilityScan:
		var d VulnerabilityDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		e.Details = d
	case SourceNetworkIPS:
		var d NetworkIPSDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		e.Details = d
	case SourceHostIPS:
		var d HostIPSDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		e.Details = d
	case SourceFileIntegrity:
		var d FileIntegrityDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		e.Details = d
	default:
		var d AdapterFailureDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		e.Details = d
	}
	return nil
}

// IsPersistent reports whether the event's underlying condition does not
// self-resolve (vulnerabilities, integrity violations) as opposed to one
// the originating tool has already mitigated (bans, threat decisions).
func (e SecurityEvent) IsPersistent() bool {
	switch e.Source {
	case SourceVulnerabilityScan, SourceFileIntegrity:
		return true
	case SourceHostIPS, SourceNetworkIPS:
		return false
	default:
		return true
	}
}

// NewEventID derives a stable id from source, type, and timestamp,
// mirroring the original system's f"{source}_{event_type}_{timestamp}".
func NewEventID(source Source, eventType string, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%d", source, eventType, ts.UnixNano())
}

// Signature computes the deterministic string identifying "the same
// issue" for an event, per the per-source derivation table in spec §4.2.
// For vulnerability-scan events the individual-finding signature is used
// whenever the details carry a CVE and are not marked IsSummary, even if
// they also carry summary counts; otherwise the batch-summary one is.
func Signature(e SecurityEvent) string {
	switch d := e.Details.(type) {
	case VulnerabilityDetails:
		if !d.IsSummary && d.CVE != "" {
			return fmt.Sprintf("scan:%s:%s:%s", d.CVE, d.Package, d.InstalledVersion)
		}
		return fmt.Sprintf("scan_batch:%dc:%dh:%dm:%di", d.Critical, d.High, d.Medium, d.Images)
	case NetworkIPSDetails:
		return fmt.Sprintf("net:%s:%s", d.IP, d.Scenario)
	case HostIPSDetails:
		return fmt.Sprintf("host:%s:%s", d.IP, d.Jail)
	case FileIntegrityDetails:
		return fmt.Sprintf("file:%s:%s", d.Path, d.Kind)
	default:
		return fmt.Sprintf("unknown:%s:%s", e.Source, e.EventType)
	}
}
