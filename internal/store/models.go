package store

import (
	"strconv"
	"strings"
	"time"
)

// Kind tags every entity in the single id space. The set is closed; decoding an
// unknown kind from upstream data is a bug, not a fallthrough.
type Kind string

const (
	KindCharacter     Kind = "character"
	KindCorporation   Kind = "corporation"
	KindAlliance      Kind = "alliance"
	KindSystem        Kind = "system"
	KindConstellation Kind = "constellation"
	KindRegion        Kind = "region"
	KindStation       Kind = "station"
	KindItem          Kind = "item"
	KindGroup         Kind = "group"
)

// TokenBundle is a principal's stored ESI credential set. Only the token
// manager writes it.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DivisionBalance is one corporate wallet division balance.
type DivisionBalance struct {
	Division int     `json:"division"`
	Balance  float64 `json:"balance"`
}

// Attrs carries the kind-specific public fields of an entity. Fields for other
// kinds stay at their zero value and are omitted from the stored document.
type Attrs struct {
	// character
	Birthday      string `json:"birthday,omitempty"`
	CorporationID int64  `json:"corporation_id,omitempty"`
	AllianceID    int64  `json:"alliance_id,omitempty"`

	// corporation
	CEOID       int64   `json:"ceo_id,omitempty"`
	MemberCount int     `json:"member_count,omitempty"`
	TaxRate     float64 `json:"tax_rate,omitempty"`
	Ticker      string  `json:"ticker,omitempty"`
	DateFounded string  `json:"date_founded,omitempty"`

	// alliance
	ExecutorCorporationID int64   `json:"executor_corporation_id,omitempty"`
	Corporations          []int64 `json:"corporations,omitempty"`

	// system; constellation and region names are denormalized so journal
	// consumers never chase the chain again
	SecurityStatus    float64 `json:"security_status,omitempty"`
	ConstellationID   int64   `json:"constellation_id,omitempty"`
	ConstellationName string  `json:"constellation_name,omitempty"`
	RegionID          int64   `json:"region_id,omitempty"`
	RegionName        string  `json:"region_name,omitempty"`
	Stations          []int64 `json:"stations,omitempty"`

	// constellation
	Systems []int64 `json:"systems,omitempty"`

	// region
	Description    string  `json:"description,omitempty"`
	Constellations []int64 `json:"constellations,omitempty"`

	// station; TypeID drives the station icon, station images do not key off
	// the station id itself
	SystemID int64 `json:"system_id,omitempty"`
	TypeID   int64 `json:"type_id,omitempty"`

	// item
	GroupID int64 `json:"group_id,omitempty"`

	// group
	Types []int64 `json:"types,omitempty"`
}

// SyncState is the per-principal synchronization state embedded in the entity
// document. It is written only through the atomic field setters on
// EntityStore, never via Upsert, so concurrent jobs touching different fields
// cannot lose each other's updates.
//
// Map keys are wallet divisions rendered as strings ("0" is the personal
// wallet, "1".."7" the corporate divisions) so the state survives a JSON
// round trip unchanged.
type SyncState struct {
	Tokens           *TokenBundle       `json:"tokens,omitempty"`
	Scopes           string             `json:"scopes,omitempty"`
	Wallet           float64            `json:"wallet,omitempty"`
	Wallets          []DivisionBalance  `json:"wallets,omitempty"`
	LastJournalSync  time.Time          `json:"last_journal_sync,omitempty"`
	Cursors          map[string]int64   `json:"cursors,omitempty"`
	Deferred         map[string][]int64 `json:"deferred,omitempty"`
}

// Entity is any resolvable subject: a ledger party, a wallet owner, or a
// static universe object. One id space covers all kinds.
type Entity struct {
	ID    int64  `json:"id"`
	Kind  Kind   `json:"kind"`
	Name  string `json:"name"`
	Attrs Attrs  `json:"attrs"`
	Sync  *SyncState `json:"sync,omitempty"`
}

// DivisionKey renders a wallet division as the map key used by SyncState.
func DivisionKey(division int) string { return strconv.Itoa(division) }

// Cursor returns the high-water-mark journal id for a wallet division, zero
// when the division has never been synchronized.
func (e *Entity) Cursor(division int) int64 {
	if e.Sync == nil {
		return 0
	}
	return e.Sync.Cursors[DivisionKey(division)]
}

// DeferredIDs returns the deferred retry set for a wallet division.
func (e *Entity) DeferredIDs(division int) []int64 {
	if e.Sync == nil {
		return nil
	}
	return e.Sync.Deferred[DivisionKey(division)]
}

// HasScope reports whether the principal's grant carries the given ESI scope.
func (e *Entity) HasScope(scope string) bool {
	if e.Sync == nil {
		return false
	}
	for _, s := range strings.Fields(e.Sync.Scopes) {
		if s == scope {
			return true
		}
	}
	return false
}

// StripScope removes a scope from a space-separated grant string.
func StripScope(scopes, scope string) string {
	fields := strings.Fields(scopes)
	kept := fields[:0]
	for _, s := range fields {
		if s != scope {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

// ContextRef is one decoded context reference on a journal entry. Kind keeps
// the upstream tag for passthrough values; Name and TypeID are enrichment
// filled by the resolver when available.
type ContextRef struct {
	ID     int64  `json:"id"`
	Kind   string `json:"kind"`
	Name   string `json:"name,omitempty"`
	TypeID int64  `json:"type_id,omitempty"`
}

// JournalEntry is one ledger row, signed from the perspective of up to two
// named parties plus an optional tax receiver. Pointer fields distinguish
// "not observed from this side yet" from a legitimate zero so that the two
// perspectives of the same upstream row merge instead of clobbering.
type JournalEntry struct {
	ID          int64     `json:"id"`
	RefType     string    `json:"ref_type"`
	Date        time.Time `json:"date"`
	Description string    `json:"description,omitempty"`
	Reason      string    `json:"reason,omitempty"`

	FirstPartyID       int64    `json:"first_party_id"`
	FirstPartyName     string   `json:"first_party_name,omitempty"`
	FirstPartyKind     Kind     `json:"first_party_kind,omitempty"`
	FirstPartyAmount   *float64 `json:"first_party_amount,omitempty"`
	FirstPartyBalance  *float64 `json:"first_party_balance,omitempty"`
	FirstPartyDivision int      `json:"first_party_division,omitempty"`

	SecondPartyID       int64    `json:"second_party_id"`
	SecondPartyName     string   `json:"second_party_name,omitempty"`
	SecondPartyKind     Kind     `json:"second_party_kind,omitempty"`
	SecondPartyAmount   *float64 `json:"second_party_amount,omitempty"`
	SecondPartyBalance  *float64 `json:"second_party_balance,omitempty"`
	SecondPartyDivision int      `json:"second_party_division,omitempty"`

	TaxReceiverID       int64    `json:"tax_receiver_id,omitempty"`
	TaxReceiverName     string   `json:"tax_receiver_name,omitempty"`
	TaxReceiverBalance  *float64 `json:"tax_receiver_balance,omitempty"`
	TaxReceiverDivision int      `json:"tax_receiver_division,omitempty"`
	TaxAmount           *float64 `json:"tax_amount,omitempty"`

	// implicit corporation perspective, used when a corporate wallet row
	// names the corporation as neither party
	FirstPartyCorpID        int64    `json:"first_party_corp_id,omitempty"`
	FirstPartyCorpName      string   `json:"first_party_corp_name,omitempty"`
	FirstPartyCorpBalance   *float64 `json:"first_party_corp_balance,omitempty"`
	FirstPartyCorpDivision  int      `json:"first_party_corp_division,omitempty"`
	SecondPartyCorpID       int64    `json:"second_party_corp_id,omitempty"`
	SecondPartyCorpName     string   `json:"second_party_corp_name,omitempty"`
	SecondPartyCorpBalance  *float64 `json:"second_party_corp_balance,omitempty"`
	SecondPartyCorpDivision int      `json:"second_party_corp_division,omitempty"`

	// market transaction enrichment
	UnitPrice *float64 `json:"unit_price,omitempty"`
	Quantity  *int32   `json:"quantity,omitempty"`

	Context []ContextRef `json:"context,omitempty"`
}

// Float returns a pointer to v, for the nullable journal fields.
func Float(v float64) *float64 { return &v }

// Int32 returns a pointer to v.
func Int32(v int32) *int32 { return &v }
