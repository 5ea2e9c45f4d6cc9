package circ

import "time"

// Transaction types.
const (
	TxCheckout   = "checkout"
	TxCheckin    = "checkin"
	TxRenewal    = "renewal"
	TxInHouseUse = "in_house_use"
)

// Transaction and session statuses. pending is the sole initial state;
// processed is terminal.
const (
	StatusPending   = "pending"
	StatusUploaded  = "uploaded"
	StatusProcessed = "processed"
	StatusError     = "error"
	StatusActive    = "active"
)

// Cached-reference collection kinds, keyed in the sync_status table.
const (
	KindBlockList    = "blockList"
	KindPatrons      = "patrons"
	KindLoanPolicies = "loanPolicies"
)

// OfflineTransaction is one circulation action recorded while disconnected,
// awaiting reconciliation with the server. The ID never changes; only
// Status and ErrorMessage mutate after creation.
type OfflineTransaction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Workstation   string          `json:"workstation"`
	StaffUsername string          `json:"staffUsername"`
	Data          TransactionData `json:"data"`
	Status        string          `json:"status"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
}

// TransactionData is the action payload. ItemBarcode is always set; the
// remaining fields depend on the transaction type.
type TransactionData struct {
	ItemBarcode   string     `json:"itemBarcode"`
	PatronBarcode string     `json:"patronBarcode,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	Backdate      *time.Time `json:"backdate,omitempty"`
	Count         int        `json:"count,omitempty"`
}

// BlockedPatron is one entry of the cached block-list snapshot, keyed by
// patron barcode. The snapshot is replaced wholesale on each download.
type BlockedPatron struct {
	Barcode   string    `json:"barcode"`
	PatronID  string    `json:"patronId"`
	Name      string    `json:"name"`
	Reason    string    `json:"reason"`
	BlockDate time.Time `json:"blockDate"`
}

// CachedPatron is a directory snapshot entry keyed by barcode. It is used
// to resolve the patron type for loan-policy lookup and is not
// authoritative for anything else.
type CachedPatron struct {
	Barcode     string `json:"barcode"`
	PatronID    string `json:"patronId"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	PatronType  string `json:"patronType"`
	HomeLibrary string `json:"homeLibrary"`
	Active      bool   `json:"active"`
	HasBlock    bool   `json:"hasBlock"`
}

// LoanPolicy maps (patron type, item type) to a loan period and renewal
// limit. Absent combinations are meaningful: checkout falls back to a
// default period.
type LoanPolicy struct {
	PatronType     string `json:"patronType"`
	ItemType       string `json:"itemType"`
	LoanPeriodDays int    `json:"loanPeriodDays"`
	RenewalLimit   int    `json:"renewalLimit"`
}

// OfflineSession is an optional named grouping of transactions recorded at
// one workstation in one work period.
type OfflineSession struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	CreatedBy        string     `json:"createdBy"`
	Workstation      string     `json:"workstation"`
	TransactionCount int        `json:"transactionCount"`
	Status           string     `json:"status"`
	ProcessedAt      *time.Time `json:"processedAt,omitempty"`
	ProcessedBy      string     `json:"processedBy,omitempty"`
}

// SyncStatus records the last successful download of one cached-reference
// collection. Display and staleness checks only.
type SyncStatus struct {
	Kind        string    `json:"kind"`
	LastSync    time.Time `json:"lastSync"`
	RecordCount int       `json:"recordCount"`
}
