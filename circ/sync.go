package circ

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SyncClient downloads the cached-reference snapshots (block list, patron
// directory, loan policies) from the backend. Each download that succeeds
// replaces the corresponding local collection wholesale and stamps its sync
// status; a failed download leaves both untouched.
type SyncClient struct {
	base  string
	http  *http.Client
	store *Store
	log   *Logger
}

// NewSyncClient creates a client for the backend at base (e.g.
// "http://circ.example.org") with a 10-second request timeout.
func NewSyncClient(base string, store *Store) *SyncClient {
	return &SyncClient{
		base:  strings.TrimRight(base, "/"),
		http:  &http.Client{Timeout: 10 * time.Second},
		store: store,
	}
}

// SetLogger attaches an optional operation log.
func (c *SyncClient) SetLogger(l *Logger) { c.log = l }

// DownloadBlockList fetches the block list and replaces the local snapshot.
// Returns the record count of the new snapshot.
func (c *SyncClient) DownloadBlockList(ctx context.Context) (int, error) {
	var entries []BlockedPatron
	if err := c.getJSON(ctx, "/offline/block-list", &entries); err != nil {
		return 0, fmt.Errorf("download block list: %w", err)
	}
	if err := c.store.ReplaceBlockedPatrons(entries, time.Now()); err != nil {
		return 0, fmt.Errorf("replace block list: %w", err)
	}
	c.log.Info(fmt.Sprintf("block list synced: %d records", len(entries)))
	return len(entries), nil
}

// DownloadPatrons fetches the patron directory and replaces the local
// snapshot.
func (c *SyncClient) DownloadPatrons(ctx context.Context) (int, error) {
	var entries []CachedPatron
	if err := c.getJSON(ctx, "/offline/patrons", &entries); err != nil {
		return 0, fmt.Errorf("download patrons: %w", err)
	}
	if err := c.store.ReplaceCachedPatrons(entries, time.Now()); err != nil {
		return 0, fmt.Errorf("replace patrons: %w", err)
	}
	c.log.Info(fmt.Sprintf("patron cache synced: %d records", len(entries)))
	return len(entries), nil
}

// DownloadLoanPolicies fetches the loan-policy table and replaces the local
// snapshot.
func (c *SyncClient) DownloadLoanPolicies(ctx context.Context) (int, error) {
	var entries []LoanPolicy
	if err := c.getJSON(ctx, "/offline/loan-policies", &entries); err != nil {
		return 0, fmt.Errorf("download loan policies: %w", err)
	}
	if err := c.store.ReplaceLoanPolicies(entries, time.Now()); err != nil {
		return 0, fmt.Errorf("replace loan policies: %w", err)
	}
	c.log.Info(fmt.Sprintf("loan policies synced: %d records", len(entries)))
	return len(entries), nil
}

// SyncOutcome is the result of one snapshot download within DownloadAll.
type SyncOutcome struct {
	Kind  string
	Count int
	Err   error
}

// DownloadAll runs the three downloads independently and reports each
// outcome separately; one failing does not block or roll back the others.
func (c *SyncClient) DownloadAll(ctx context.Context) []SyncOutcome {
	outcomes := make([]SyncOutcome, 0, 3)

	n, err := c.DownloadBlockList(ctx)
	outcomes = append(outcomes, SyncOutcome{Kind: KindBlockList, Count: n, Err: err})

	n, err = c.DownloadPatrons(ctx)
	outcomes = append(outcomes, SyncOutcome{Kind: KindPatrons, Count: n, Err: err})

	n, err = c.DownloadLoanPolicies(ctx)
	outcomes = append(outcomes, SyncOutcome{Kind: KindLoanPolicies, Count: n, Err: err})

	return outcomes
}

func (c *SyncClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error(fmt.Sprintf("GET %s: %v", path, err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Error(fmt.Sprintf("GET %s: status %d", path, resp.StatusCode))
		return &ServerRejection{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
