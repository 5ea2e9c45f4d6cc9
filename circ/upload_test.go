package circ

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeBackend acknowledges uploads for items it knows and rejects the rest
// with "Item not found". It records every post in arrival order.
type fakeBackend struct {
	mu       sync.Mutex
	items    map[string]bool
	received []string
}

func newFakeBackend(items ...string) (*fakeBackend, *httptest.Server) {
	fb := &fakeBackend{items: make(map[string]bool)}
	for _, it := range items {
		fb.items[it] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/offline/circulation" {
			http.NotFound(w, r)
			return
		}
		var tx OfflineTransaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ok":false,"message":"malformed transaction"}`)
			return
		}
		fb.mu.Lock()
		fb.received = append(fb.received, tx.ID)
		known := fb.items[tx.Data.ItemBarcode]
		fb.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !known {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"ok":false,"message":"Item not found"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	return fb, srv
}

func (fb *fakeBackend) posts() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.received...)
}

func TestUploadPartialFailure(t *testing.T) {
	svc, store := testService(t)
	fb, srv := newFakeBackend("ITEM1")
	defer srv.Close()

	tx1, err := svc.Checkin("ITEM1", nil)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	tx2, err := svc.Checkin("GHOST", nil)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}

	uploader := NewUploader(srv.URL, store)
	summary, err := uploader.UploadTransactions(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if summary.Processed != 1 || summary.Failed != 1 || summary.Success {
		t.Fatalf("wrong summary: %+v", summary)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].TransactionID != tx2 ||
		summary.Errors[0].Message != "Item not found" {
		t.Fatalf("wrong error detail: %+v", summary.Errors)
	}

	got1, _ := store.GetTransaction(tx1)
	got2, _ := store.GetTransaction(tx2)
	if got1.Status != StatusProcessed {
		t.Fatalf("tx1 should be processed, got %s", got1.Status)
	}
	if got2.Status != StatusError || got2.ErrorMessage != "Item not found" {
		t.Fatalf("tx2 should be errored: %+v", got2)
	}

	// The single failure did not abort the batch.
	if len(fb.posts()) != 2 {
		t.Fatalf("want 2 posts, got %d", len(fb.posts()))
	}
}

func TestUploadSequentialReadOrder(t *testing.T) {
	svc, store := testService(t)
	fb, srv := newFakeBackend("ITEM1", "ITEM2", "ITEM3")
	defer srv.Close()

	var ids []string
	for _, item := range []string{"ITEM1", "ITEM2", "ITEM3"} {
		id, err := svc.Checkin(item, nil)
		if err != nil {
			t.Fatalf("checkin: %v", err)
		}
		ids = append(ids, id)
	}

	uploader := NewUploader(srv.URL, store)
	if _, err := uploader.UploadTransactions(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	posts := fb.posts()
	if len(posts) != 3 {
		t.Fatalf("want 3 posts, got %d", len(posts))
	}
	for i, id := range ids {
		if posts[i] != id {
			t.Fatalf("post %d out of order: want %s, got %s", i, id, posts[i])
		}
	}
}

func TestUploadIdempotent(t *testing.T) {
	svc, store := testService(t)
	fb, srv := newFakeBackend("ITEM1")
	defer srv.Close()

	if _, err := svc.Checkin("ITEM1", nil); err != nil {
		t.Fatalf("checkin: %v", err)
	}

	uploader := NewUploader(srv.URL, store)
	first, err := uploader.UploadTransactions(context.Background())
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if first.Processed != 1 {
		t.Fatalf("first run should process 1, got %d", first.Processed)
	}

	// Second run with no new local writes sees an empty pending set.
	second, err := uploader.UploadTransactions(context.Background())
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if second.Processed != 0 || second.Failed != 0 || !second.Success {
		t.Fatalf("second run should be a no-op: %+v", second)
	}
	if len(fb.posts()) != 1 {
		t.Fatalf("processed transaction was re-uploaded")
	}
}

func TestRetryThenReupload(t *testing.T) {
	svc, store := testService(t)
	fb, srv := newFakeBackend()
	defer srv.Close()

	id, err := svc.Checkin("ITEM1", nil)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}

	uploader := NewUploader(srv.URL, store)
	if _, err := uploader.UploadTransactions(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, _ := store.GetTransaction(id)
	if got.Status != StatusError {
		t.Fatalf("expected errored transaction, got %s", got.Status)
	}

	if err := uploader.Retry(id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	pending, _ := store.GetTransactionsByStatus(StatusPending)
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("retry must yield the same id pending exactly once: %v", pending)
	}

	// The server now knows the item; the retried transaction reconciles.
	fb.mu.Lock()
	fb.items["ITEM1"] = true
	fb.mu.Unlock()

	summary, err := uploader.UploadTransactions(context.Background())
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if summary.Processed != 1 {
		t.Fatalf("retried transaction not processed: %+v", summary)
	}
	got, _ = store.GetTransaction(id)
	if got.Status != StatusProcessed || got.ErrorMessage != "" {
		t.Fatalf("confirmed upload should clear the error message: %+v", got)
	}
}

func TestRetryRequiresErrorStatus(t *testing.T) {
	svc, store := testService(t)

	id, err := svc.Checkin("ITEM1", nil)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}

	uploader := NewUploader("http://unused", store)
	if err := uploader.Retry(id); err == nil {
		t.Fatalf("retry of a pending transaction must fail")
	}
	if err := uploader.Retry("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDiscardNeverResubmitted(t *testing.T) {
	svc, store := testService(t)
	fb, srv := newFakeBackend()
	defer srv.Close()

	id, err := svc.Checkin("ITEM1", nil)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}

	uploader := NewUploader(srv.URL, store)
	if _, err := uploader.UploadTransactions(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := uploader.Discard(id); err != nil {
		t.Fatalf("discard: %v", err)
	}
	got, _ := store.GetTransaction(id)
	if got.Status != StatusProcessed {
		t.Fatalf("discarded transaction should be processed, got %s", got.Status)
	}
	// The rejection message is retained as the audit trail.
	if got.ErrorMessage == "" {
		t.Fatalf("discard should keep the error message")
	}

	before := len(fb.posts())
	summary, err := uploader.UploadTransactions(context.Background())
	if err != nil {
		t.Fatalf("upload after discard: %v", err)
	}
	if summary.Processed != 0 || summary.Failed != 0 {
		t.Fatalf("discarded transaction re-entered the queue: %+v", summary)
	}
	if len(fb.posts()) != before {
		t.Fatalf("discarded transaction was posted to the server")
	}
}

func TestUploadNetworkFailureMarksError(t *testing.T) {
	svc, store := testService(t)
	_, srv := newFakeBackend("ITEM1")
	srv.Close() // backend gone: every post is a network failure

	id, err := svc.Checkin("ITEM1", nil)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}

	uploader := NewUploader(srv.URL, store)
	summary, err := uploader.UploadTransactions(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("network failure should count as failed: %+v", summary)
	}
	got, _ := store.GetTransaction(id)
	if got.Status != StatusError || got.ErrorMessage == "" {
		t.Fatalf("network failure should error the transaction with a message: %+v", got)
	}
}

func TestUploadAdvancesFullyReconciledSession(t *testing.T) {
	svc, store := testService(t)
	fb, srv := newFakeBackend("ITEM1")
	defer srv.Close()

	sess, err := svc.StartSession("evening shift")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := svc.Checkin("ITEM1", nil); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	tx2, err := svc.Checkin("GHOST", nil)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}

	uploader := NewUploader(srv.URL, store)
	if _, err := uploader.UploadTransactions(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	// One grouped transaction errored: the session stays active.
	got, _ := store.GetSession(sess.ID)
	if got.Status != StatusActive {
		t.Fatalf("session advanced with an errored transaction: %s", got.Status)
	}

	fb.mu.Lock()
	fb.items["GHOST"] = true
	fb.mu.Unlock()
	if err := uploader.Retry(tx2); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := uploader.UploadTransactions(context.Background()); err != nil {
		t.Fatalf("re-upload: %v", err)
	}

	got, _ = store.GetSession(sess.ID)
	if got.Status != StatusUploaded {
		t.Fatalf("fully reconciled session should be uploaded, got %s", got.Status)
	}
	if got.ProcessedAt != nil {
		t.Fatalf("uploaded is not processed; no timestamp expected")
	}
}

func TestUploadLeavesClosedSessionAlone(t *testing.T) {
	svc, store := testService(t)
	_, srv := newFakeBackend("ITEM1")
	defer srv.Close()

	sess, err := svc.StartSession("morning shift")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := svc.Checkin("ITEM1", nil); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if _, err := svc.CloseSession(sess.ID); err != nil {
		t.Fatalf("close session: %v", err)
	}

	uploader := NewUploader(srv.URL, store)
	if _, err := uploader.UploadTransactions(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	// processed is terminal for sessions too; no demotion to uploaded.
	got, _ := store.GetSession(sess.ID)
	if got.Status != StatusProcessed {
		t.Fatalf("upload rewrote a closed session: %s", got.Status)
	}
}

func TestUploadRefusedWhileOffline(t *testing.T) {
	svc, store := testService(t)
	if _, err := svc.Checkin("ITEM1", nil); err != nil {
		t.Fatalf("checkin: %v", err)
	}

	monitor := NewMonitor() // starts disconnected
	uploader := NewUploader("http://unused", store)
	uploader.SetMonitor(monitor)

	if _, err := uploader.UploadTransactions(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("want ErrOffline, got %v", err)
	}
	// Nothing was touched.
	if n, _ := store.CountTransactionsByStatus(StatusPending); n != 1 {
		t.Fatalf("pending set mutated while offline")
	}
}
