// circmock is a small stand-in for the library-services backend, used for
// local development and manual testing of the offline queue. It serves the
// reference-data endpoints with seeded data and acknowledges circulation
// uploads, rejecting items it has never heard of.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"offline-circulation/circ"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type mockState struct {
	mu       sync.Mutex
	blocked  []circ.BlockedPatron
	patrons  []circ.CachedPatron
	policies []circ.LoanPolicy
	items    map[string]bool
	received []circ.OfflineTransaction
}

func seed() *mockState {
	now := time.Now()
	return &mockState{
		blocked: []circ.BlockedPatron{
			{Barcode: "P100", PatronID: "pat-100", Name: "Pat Holden", Reason: "Manual block – billing", BlockDate: now.AddDate(0, -1, 0)},
			{Barcode: "P205", PatronID: "pat-205", Name: "Jordan Vance", Reason: "Lost items unresolved", BlockDate: now.AddDate(0, 0, -12)},
		},
		patrons: []circ.CachedPatron{
			{Barcode: "P100", PatronID: "pat-100", FirstName: "Pat", LastName: "Holden", PatronType: "adult", HomeLibrary: "MAIN", Active: true, HasBlock: true},
			{Barcode: "P205", PatronID: "pat-205", FirstName: "Jordan", LastName: "Vance", PatronType: "adult", HomeLibrary: "MAIN", Active: true, HasBlock: true},
			{Barcode: "P300", PatronID: "pat-300", FirstName: "Sam", LastName: "Okafor", PatronType: "juvenile", HomeLibrary: "EAST", Active: true},
			{Barcode: "P301", PatronID: "pat-301", FirstName: "Riley", LastName: "Meyer", PatronType: "staff", HomeLibrary: "MAIN", Active: true},
		},
		policies: []circ.LoanPolicy{
			{PatronType: "adult", ItemType: "default", LoanPeriodDays: 28, RenewalLimit: 3},
			{PatronType: "juvenile", ItemType: "default", LoanPeriodDays: 14, RenewalLimit: 2},
			{PatronType: "staff", ItemType: "default", LoanPeriodDays: 56, RenewalLimit: 6},
		},
		items: map[string]bool{
			"ITEM1": true, "ITEM2": true, "ITEM3": true,
			"39001000123456": true, "39001000123457": true,
		},
	}
}

func main() {
	addr := flag.String("addr", ":9138", "listen address")
	flag.Parse()

	state := seed()

	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Get("/offline/block-list", func(w http.ResponseWriter, _ *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		writeJSON(w, state.blocked)
	})

	r.Get("/offline/patrons", func(w http.ResponseWriter, _ *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		writeJSON(w, state.patrons)
	})

	r.Get("/offline/loan-policies", func(w http.ResponseWriter, _ *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		writeJSON(w, state.policies)
	})

	r.Post("/offline/circulation", func(w http.ResponseWriter, req *http.Request) {
		var tx circ.OfflineTransaction
		if err := json.NewDecoder(req.Body).Decode(&tx); err != nil {
			writeAck(w, http.StatusBadRequest, false, "malformed transaction")
			return
		}

		state.mu.Lock()
		defer state.mu.Unlock()

		if !state.items[tx.Data.ItemBarcode] {
			writeAck(w, http.StatusUnprocessableEntity, false, "Item not found")
			return
		}
		state.received = append(state.received, tx)
		writeAck(w, http.StatusOK, true, "")
	})

	log.Printf("circmock listening on %s", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal(err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeAck(w http.ResponseWriter, status int, ok bool, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"ok":%t,"message":%q}`+"\n", ok, msg)
}
