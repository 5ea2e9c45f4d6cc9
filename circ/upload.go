package circ

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Uploader reconciles queued transactions with the backend: it walks
// pending transactions strictly one at a time, posts each to the
// reconciliation endpoint, and applies the resulting status transition.
// Recovery from failures (retry, discard) is always an explicit operator
// decision; nothing here retries automatically.
type Uploader struct {
	base    string
	http    *http.Client
	store   *Store
	monitor *Monitor
	log     *Logger
}

// NewUploader creates an uploader for the backend at base. Requests carry a
// 10-second timeout; expiry counts as a network failure for the transaction
// being posted, so a hung request cannot stall the batch indefinitely.
func NewUploader(base string, store *Store) *Uploader {
	return &Uploader{
		base:  strings.TrimRight(base, "/"),
		http:  &http.Client{Timeout: 10 * time.Second},
		store: store,
	}
}

// SetMonitor gates uploads on connectivity. Without a monitor the caller
// decides when to upload.
func (u *Uploader) SetMonitor(m *Monitor) { u.monitor = m }

// SetLogger attaches an optional operation log.
func (u *Uploader) SetLogger(l *Logger) { u.log = l }

// UploadError identifies one transaction that failed to reconcile.
type UploadError struct {
	TransactionID string
	Message       string
}

// UploadSummary reports one upload run. Success is true only when zero
// transactions failed; individually succeeded transactions are never rolled
// back regardless of the batch outcome.
type UploadSummary struct {
	Success   bool
	Processed int
	Failed    int
	Errors    []UploadError
}

type reconcileAck struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// UploadTransactions posts every pending transaction to the backend in read
// order, one at a time. An affirmative ack moves the transaction to
// processed; a rejection or network failure moves it to error with the
// message and the walk continues. Returns ErrOffline when a monitor is
// attached and reports disconnected.
func (u *Uploader) UploadTransactions(ctx context.Context) (*UploadSummary, error) {
	if u.monitor != nil && !u.monitor.Online() {
		return nil, ErrOffline
	}

	pending, err := u.store.GetTransactionsByStatus(StatusPending)
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}

	summary := &UploadSummary{}
	sessions := make(map[string]struct{})
	for _, tx := range pending {
		if tx.SessionID != "" {
			sessions[tx.SessionID] = struct{}{}
		}
		// The next post is not issued until this one's outcome is persisted.
		ok, msg := u.post(ctx, tx)
		if ok {
			if err := u.store.UpdateTransactionStatus(tx.ID, StatusProcessed, ""); err != nil {
				return summary, fmt.Errorf("mark processed %s: %w", tx.ID, err)
			}
			summary.Processed++
			u.log.Info(fmt.Sprintf("reconciled %s %s", tx.Type, tx.ID))
			continue
		}
		if err := u.store.UpdateTransactionStatus(tx.ID, StatusError, msg); err != nil {
			return summary, fmt.Errorf("mark error %s: %w", tx.ID, err)
		}
		summary.Failed++
		summary.Errors = append(summary.Errors, UploadError{TransactionID: tx.ID, Message: msg})
		u.log.Error(fmt.Sprintf("upload failed %s %s: %s", tx.Type, tx.ID, msg))
	}

	for id := range sessions {
		if err := u.advanceSession(id); err != nil {
			return summary, err
		}
	}

	summary.Success = summary.Failed == 0
	return summary, nil
}

// advanceSession moves an active session to uploaded once every transaction
// grouped under it has been confirmed by the server. Closing the session
// (processed) remains an explicit operator action.
func (u *Uploader) advanceSession(id string) error {
	sess, err := u.store.GetSession(id)
	if err != nil {
		return err
	}
	if sess.Status != StatusActive {
		return nil
	}
	txs, err := u.store.GetTransactionsBySession(id)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.Status != StatusProcessed {
			return nil
		}
	}
	if err := u.store.UpdateSessionStatus(id, StatusUploaded, ""); err != nil {
		return err
	}
	u.log.Info(fmt.Sprintf("session %s fully uploaded", id))
	return nil
}

// post sends one transaction and reports (acknowledged, failure message).
func (u *Uploader) post(ctx context.Context, tx *OfflineTransaction) (bool, string) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return false, fmt.Sprintf("encode transaction: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.base+"/offline/circulation", bytes.NewReader(payload))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.http.Do(req)
	if err != nil {
		// Network failure and explicit rejection are treated identically
		// for status purposes.
		return false, err.Error()
	}
	defer resp.Body.Close()

	var ack reconcileAck
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(body, &ack); err != nil {
		return false, fmt.Sprintf("server returned status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusOK && ack.OK {
		return true, ""
	}
	if ack.Message != "" {
		return false, ack.Message
	}
	return false, fmt.Sprintf("server returned status %d", resp.StatusCode)
}

// Retry resets an errored transaction to pending so the next upload run
// picks it up again. Same id, no duplication; no other fields change.
func (u *Uploader) Retry(id string) error {
	tx, err := u.store.GetTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusError {
		return fmt.Errorf("transaction %s is %s; only errored transactions can be retried", id, tx.Status)
	}
	return u.store.UpdateTransactionStatus(id, StatusPending, tx.ErrorMessage)
}

// Discard moves an errored transaction directly to processed without ever
// re-attempting upload: the action is intentionally dropped with no remote
// effect. The error message is retained as the audit trail distinguishing a
// discard from a confirmed upload.
func (u *Uploader) Discard(id string) error {
	tx, err := u.store.GetTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusError {
		return fmt.Errorf("transaction %s is %s; only errored transactions can be discarded", id, tx.Status)
	}
	return u.store.UpdateTransactionStatus(id, StatusProcessed, tx.ErrorMessage)
}

// PendingTransactions is a read-through over the store.
func (u *Uploader) PendingTransactions() ([]*OfflineTransaction, error) {
	return u.store.GetTransactionsByStatus(StatusPending)
}

// SyncStatus is a read-through over the store's per-cache download records.
func (u *Uploader) SyncStatus() (map[string]SyncStatus, error) {
	return u.store.SyncStatuses()
}
