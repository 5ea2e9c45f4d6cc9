package circ

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// defaultLoanDays is the fallback loan period when no cached policy matches
// the patron's type.
const defaultLoanDays = 21

// Operator is the local session context stamped onto every recorded
// transaction. It is supplied by the caller and read-only here.
type Operator struct {
	Workstation   string
	StaffUsername string
}

// CircService records circulation actions into the local queue. It never
// touches the network: every command validates against locally cached
// policy and writes exactly one pending transaction.
type CircService struct {
	store     *Store
	op        Operator
	sessionID string

	now func() time.Time
}

// NewCircService creates the command layer over the given store.
func NewCircService(store *Store, op Operator) *CircService {
	return &CircService{store: store, op: op, now: time.Now}
}

// CheckoutResult reports the outcome of an offline checkout. A blocked
// checkout is a policy outcome, not an error: Success is false, Blocked is
// true, and no transaction was created.
type CheckoutResult struct {
	Success       bool
	Blocked       bool
	BlockReason   string
	TransactionID string
	DueDate       time.Time
}

// Checkout records an offline checkout. Unless overrideBlock is set, a
// patron present in the cached block list refuses the checkout and returns
// the cached reason. The due date is customDue when supplied, else the
// cached loan policy for (patron type, "default"), else 21 days out;
// computed due dates are pinned to end of day. A patron missing from the
// directory cache does not block checkout.
func (s *CircService) Checkout(patronBarcode, itemBarcode string, customDue *time.Time, overrideBlock bool) (*CheckoutResult, error) {
	if !overrideBlock {
		blocked, err := s.store.GetBlockedPatron(patronBarcode)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("block lookup: %w", err)
		}
		if blocked != nil {
			return &CheckoutResult{Blocked: true, BlockReason: blocked.Reason}, nil
		}
	}

	due, err := s.resolveDueDate(patronBarcode, customDue)
	if err != nil {
		return nil, err
	}

	tx := s.newTransaction(TxCheckout, TransactionData{
		ItemBarcode:   itemBarcode,
		PatronBarcode: patronBarcode,
		DueDate:       &due,
	})
	if err := s.record(tx); err != nil {
		return nil, err
	}
	return &CheckoutResult{Success: true, TransactionID: tx.ID, DueDate: due}, nil
}

// Checkin records an offline checkin. No policy lookup; backdate is
// optional operator context.
func (s *CircService) Checkin(itemBarcode string, backdate *time.Time) (string, error) {
	tx := s.newTransaction(TxCheckin, TransactionData{
		ItemBarcode: itemBarcode,
		Backdate:    backdate,
	})
	if err := s.record(tx); err != nil {
		return "", err
	}
	return tx.ID, nil
}

// Renew records an offline renewal. The patron barcode is optional context
// and is not validated against blocks; renewal eligibility is the server's
// call at reconciliation time.
func (s *CircService) Renew(itemBarcode, patronBarcode string) (string, error) {
	tx := s.newTransaction(TxRenewal, TransactionData{
		ItemBarcode:   itemBarcode,
		PatronBarcode: patronBarcode,
	})
	if err := s.record(tx); err != nil {
		return "", err
	}
	return tx.ID, nil
}

// RecordInHouseUse records a non-circulating usage count for an item.
// Counts below one are recorded as one.
func (s *CircService) RecordInHouseUse(itemBarcode string, count int) (string, error) {
	if count < 1 {
		count = 1
	}
	tx := s.newTransaction(TxInHouseUse, TransactionData{
		ItemBarcode: itemBarcode,
		Count:       count,
	})
	if err := s.record(tx); err != nil {
		return "", err
	}
	return tx.ID, nil
}

func (s *CircService) resolveDueDate(patronBarcode string, customDue *time.Time) (time.Time, error) {
	if customDue != nil {
		return *customDue, nil
	}

	days := defaultLoanDays
	patron, err := s.store.GetCachedPatron(patronBarcode)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return time.Time{}, fmt.Errorf("patron lookup: %w", err)
	}
	if patron != nil {
		policy, err := s.store.GetLoanPolicy(patron.PatronType, "default")
		if err != nil && !errors.Is(err, ErrNotFound) {
			return time.Time{}, fmt.Errorf("policy lookup: %w", err)
		}
		if policy != nil {
			days = policy.LoanPeriodDays
		}
	}
	return endOfDay(s.now().AddDate(0, 0, days)), nil
}

func (s *CircService) newTransaction(txType string, data TransactionData) *OfflineTransaction {
	return &OfflineTransaction{
		ID:            uuid.NewString(),
		Type:          txType,
		Timestamp:     s.now(),
		Workstation:   s.op.Workstation,
		StaffUsername: s.op.StaffUsername,
		Data:          data,
		Status:        StatusPending,
		SessionID:     s.sessionID,
	}
}

func (s *CircService) record(tx *OfflineTransaction) error {
	if err := s.store.CreateTransaction(tx); err != nil {
		return err
	}
	if tx.SessionID != "" {
		if err := s.store.IncrementSessionCount(tx.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// ------------------ Offline sessions ------------------

// StartSession creates a named offline session at this workstation and
// makes it the active grouping for subsequent commands.
func (s *CircService) StartSession(name string) (*OfflineSession, error) {
	sess := &OfflineSession{
		ID:          uuid.NewString(),
		Name:        name,
		CreatedBy:   s.op.StaffUsername,
		Workstation: s.op.Workstation,
		Status:      StatusActive,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}
	s.sessionID = sess.ID
	return sess, nil
}

// SetActiveSession resumes grouping under an existing session.
func (s *CircService) SetActiveSession(id string) error {
	if id == "" {
		s.sessionID = ""
		return nil
	}
	if _, err := s.store.GetSession(id); err != nil {
		return err
	}
	s.sessionID = id
	return nil
}

// ActiveSession returns the current session id, or "" when ungrouped.
func (s *CircService) ActiveSession() string { return s.sessionID }

// CloseSession marks a session processed, stamping the closing staff user.
// A processed session is terminal; closing it again is an error. Closing
// the currently active session also clears the grouping.
func (s *CircService) CloseSession(id string) (*OfflineSession, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusProcessed {
		return nil, fmt.Errorf("session %s is already processed", id)
	}
	if err := s.store.UpdateSessionStatus(id, StatusProcessed, s.op.StaffUsername); err != nil {
		return nil, err
	}
	if s.sessionID == id {
		s.sessionID = ""
	}
	return s.store.GetSession(id)
}

// endOfDay pins a timestamp to 23:59:59 local time of the same day.
func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
