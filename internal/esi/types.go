package esi

import "time"

// JournalRow is one raw wallet journal row as returned by the ledger API,
// before perspective labeling. Amount and Balance are pointers because a row
// observed as tax receipt only carries no usable amount.
type JournalRow struct {
	ID            int64     `json:"id"`
	RefType       string    `json:"ref_type"`
	Date          time.Time `json:"date"`
	Amount        *float64  `json:"amount,omitempty"`
	Balance       *float64  `json:"balance,omitempty"`
	FirstPartyID  int64     `json:"first_party_id,omitempty"`
	SecondPartyID int64     `json:"second_party_id,omitempty"`
	TaxReceiverID int64     `json:"tax_receiver_id,omitempty"`
	Tax           *float64  `json:"tax,omitempty"`
	ContextID     int64     `json:"context_id,omitempty"`
	ContextIDType string    `json:"context_id_type,omitempty"`
	Description   string    `json:"description,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// WalletTransaction is one trade record from the transaction-detail API,
// ordered descending by transaction id.
type WalletTransaction struct {
	TransactionID int64     `json:"transaction_id"`
	UnitPrice     float64   `json:"unit_price"`
	Quantity      int32     `json:"quantity"`
	LocationID    int64     `json:"location_id"`
	TypeID        int64     `json:"type_id"`
	ClientID      int64     `json:"client_id"`
	IsBuy         bool      `json:"is_buy"`
	Date          time.Time `json:"date"`
}

// DivisionBalance is one corporate wallet division balance.
type DivisionBalance struct {
	Division int     `json:"division"`
	Balance  float64 `json:"balance"`
}

type CharacterInfo struct {
	Name          string    `json:"name"`
	Birthday      time.Time `json:"birthday"`
	CorporationID int64     `json:"corporation_id"`
	AllianceID    int64     `json:"alliance_id,omitempty"`
}

type CorporationInfo struct {
	Name        string    `json:"name"`
	Ticker      string    `json:"ticker"`
	CEOID       int64     `json:"ceo_id"`
	MemberCount int       `json:"member_count"`
	TaxRate     float64   `json:"tax_rate"`
	AllianceID  int64     `json:"alliance_id,omitempty"`
	DateFounded time.Time `json:"date_founded,omitempty"`
}

type AllianceInfo struct {
	Name                  string    `json:"name"`
	Ticker                string    `json:"ticker"`
	DateFounded           time.Time `json:"date_founded"`
	ExecutorCorporationID int64     `json:"executor_corporation_id,omitempty"`
}

type SystemInfo struct {
	Name            string  `json:"name"`
	SecurityStatus  float64 `json:"security_status"`
	ConstellationID int64   `json:"constellation_id"`
	Stations        []int64 `json:"stations,omitempty"`
}

type ConstellationInfo struct {
	Name     string  `json:"name"`
	RegionID int64   `json:"region_id"`
	Systems  []int64 `json:"systems"`
}

type RegionInfo struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	Constellations []int64 `json:"constellations"`
}

type StationInfo struct {
	Name     string `json:"name"`
	SystemID int64  `json:"system_id"`
	TypeID   int64  `json:"type_id"`
}

type TypeInfo struct {
	Name    string `json:"name"`
	GroupID int64  `json:"group_id"`
}

type GroupInfo struct {
	Name  string  `json:"name"`
	Types []int64 `json:"types"`
}
