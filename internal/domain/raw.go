package domain

import "time"

// RawListKind discriminates the stored shapes of additionalServices.
type RawListKind int

const (
	RawListMissing RawListKind = iota
	RawListArray
	RawListObject
	RawListInvalid
)

// RawServiceList is additionalServices exactly as found in storage.
// Object values are sorted by key so healing stays deterministic.
type RawServiceList struct {
	Kind   RawListKind
	Values []string
}

// RawEntryKind discriminates the stored shapes of a serviceStatuses entry.
type RawEntryKind int

const (
	RawEntryObject RawEntryKind = iota
	RawEntryString
	RawEntryInvalid
)

// RawStatusEntry is one serviceStatuses entry before normalization.
type RawStatusEntry struct {
	Kind      RawEntryKind
	Status    string
	Timestamp time.Time
	History   []StatusHistoryRecord
}

// RawOrder is an order record decoded at the persistence boundary without
// any normalization of the multi-service fields.
type RawOrder struct {
	Order
	RawAdditional RawServiceList
	RawStatuses   map[string]RawStatusEntry
}

// HealIssueKind names a corrected defect in stored multi-service data.
type HealIssueKind string

const (
	IssuePrimaryNormalized    HealIssueKind = "primary_service_normalized"
	IssueAdditionalNotList    HealIssueKind = "additional_services_not_list"
	IssuePrimaryInAdditional  HealIssueKind = "primary_in_additional_services"
	IssueDuplicateAdditional  HealIssueKind = "duplicate_additional_service"
	IssueUnknownAdditional    HealIssueKind = "unknown_additional_service"
	IssueOrphanedStatusEntry  HealIssueKind = "orphaned_status_entry"
	IssueStatusEntryNotObject HealIssueKind = "status_entry_not_object"
	IssueStatusEntryInvalid   HealIssueKind = "status_entry_invalid"
)

// HealIssue records one MalformedMultiServiceData correction.
type HealIssue struct {
	Kind    HealIssueKind
	Service string
	Detail  string
}
