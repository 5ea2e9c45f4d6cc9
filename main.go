package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"offline-circulation/circ"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	cfgPath string
	cfg     *circ.Config
)

func main() {
	root := &cobra.Command{
		Use:   "offlinecirc",
		Short: "Offline circulation queue for library workstations",
		Long: `Records circulation actions (checkout, checkin, renewal, in-house use)
into a durable local queue while the library-services backend is
unreachable, and reconciles them once connectivity returns.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = circ.LoadConfig(cfgPath)
			return err
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default ~/.offlinecirc/config.yaml)")

	root.AddCommand(
		checkoutCmd(), checkinCmd(), renewCmd(), inhouseCmd(),
		syncCmd(), uploadCmd(), pendingCmd(), retryCmd(), discardCmd(),
		statusCmd(), sessionCmd(), loginCmd(), wipeCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*circ.Store, error) {
	return circ.NewStore(cfg.DatabasePath)
}

func openLogger() *circ.Logger {
	if cfg.LogFile == "" {
		return nil
	}
	l, err := circ.NewLogger(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open log file: %v\n", err)
		return nil
	}
	return l
}

func service(store *circ.Store, sessionID string) (*circ.CircService, error) {
	svc := circ.NewCircService(store, circ.Operator{
		Workstation:   cfg.Workstation,
		StaffUsername: cfg.StaffUsername,
	})
	if err := svc.SetActiveSession(sessionID); err != nil {
		return nil, err
	}
	return svc, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return &t, nil
}

// readPassword securely reads a password with masking.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(bytePassword)), nil
}

func checkoutCmd() *cobra.Command {
	var due, sessionID string
	var override bool
	cmd := &cobra.Command{
		Use:   "checkout <patron-barcode> <item-barcode>",
		Short: "Record an offline checkout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := service(store, sessionID)
			if err != nil {
				return err
			}
			customDue, err := parseDate(due)
			if err != nil {
				return err
			}

			res, err := svc.Checkout(args[0], args[1], customDue, override)
			if err != nil {
				return err
			}
			if res.Blocked {
				fmt.Printf("Checkout refused: patron is blocked (%s)\n", res.BlockReason)
				fmt.Println("Use --override-block to record the checkout anyway.")
				return nil
			}
			fmt.Printf("Checkout recorded (transaction %s), due %s\n",
				res.TransactionID, res.DueDate.Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "custom due date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&override, "override-block", false, "record checkout even if the patron is blocked")
	cmd.Flags().StringVar(&sessionID, "session", "", "offline session id to group under")
	return cmd
}

func checkinCmd() *cobra.Command {
	var backdate, sessionID string
	cmd := &cobra.Command{
		Use:   "checkin <item-barcode>",
		Short: "Record an offline checkin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := service(store, sessionID)
			if err != nil {
				return err
			}
			back, err := parseDate(backdate)
			if err != nil {
				return err
			}

			id, err := svc.Checkin(args[0], back)
			if err != nil {
				return err
			}
			fmt.Printf("Checkin recorded (transaction %s)\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&backdate, "backdate", "", "treat the item as returned on this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&sessionID, "session", "", "offline session id to group under")
	return cmd
}

func renewCmd() *cobra.Command {
	var patron, sessionID string
	cmd := &cobra.Command{
		Use:   "renew <item-barcode>",
		Short: "Record an offline renewal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := service(store, sessionID)
			if err != nil {
				return err
			}
			id, err := svc.Renew(args[0], patron)
			if err != nil {
				return err
			}
			fmt.Printf("Renewal recorded (transaction %s)\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&patron, "patron", "", "patron barcode (optional context)")
	cmd.Flags().StringVar(&sessionID, "session", "", "offline session id to group under")
	return cmd
}

func inhouseCmd() *cobra.Command {
	var count int
	var sessionID string
	cmd := &cobra.Command{
		Use:   "inhouse <item-barcode>",
		Short: "Record in-house use of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := service(store, sessionID)
			if err != nil {
				return err
			}
			id, err := svc.RecordInHouseUse(args[0], count)
			if err != nil {
				return err
			}
			fmt.Printf("In-house use recorded (transaction %s)\n", id)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "use count")
	cmd.Flags().StringVar(&sessionID, "session", "", "offline session id to group under")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Download reference data (block list, patrons, loan policies)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			logger := openLogger()
			defer logger.Close()

			client := circ.NewSyncClient(cfg.ServerURL, store)
			client.SetLogger(logger)

			failed := 0
			for _, out := range client.DownloadAll(context.Background()) {
				if out.Err != nil {
					failed++
					fmt.Printf("%-14s FAILED: %v\n", out.Kind, out.Err)
					continue
				}
				fmt.Printf("%-14s %d records\n", out.Kind, out.Count)
			}
			if failed > 0 {
				return fmt.Errorf("%d of 3 downloads failed", failed)
			}
			return nil
		},
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Reconcile pending transactions with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			logger := openLogger()
			defer logger.Close()

			uploader := circ.NewUploader(cfg.ServerURL, store)
			uploader.SetLogger(logger)

			summary, err := uploader.UploadTransactions(context.Background())
			if err != nil {
				if errors.Is(err, circ.ErrOffline) {
					return fmt.Errorf("server unreachable; try again when connected")
				}
				return err
			}

			fmt.Printf("Processed: %d  Failed: %d\n", summary.Processed, summary.Failed)
			for _, e := range summary.Errors {
				fmt.Printf("  %s: %s\n", e.TransactionID, e.Message)
			}
			if !summary.Success {
				fmt.Println("Use 'offlinecirc retry <id>' or 'offlinecirc discard <id>' to resolve failures.")
			}
			return nil
		},
	}
}

func pendingCmd() *cobra.Command {
	var showErrors bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			status := circ.StatusPending
			if showErrors {
				status = circ.StatusError
			}
			txs, err := store.GetTransactionsByStatus(status)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				fmt.Printf("No %s transactions.\n", status)
				return nil
			}

			fmt.Printf("%-36s %-13s %-16s %-14s %s\n", "ID", "Type", "Recorded", "Item", "Detail")
			fmt.Println(strings.Repeat("-", 100))
			for _, t := range txs {
				detail := t.Data.PatronBarcode
				if t.ErrorMessage != "" {
					detail = t.ErrorMessage
				}
				fmt.Printf("%-36s %-13s %-16s %-14s %s\n",
					t.ID, t.Type, t.Timestamp.Format("01-02 15:04:05"), t.Data.ItemBarcode, detail)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showErrors, "errors", false, "list errored transactions instead of pending")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <transaction-id>",
		Short: "Queue an errored transaction for re-upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			uploader := circ.NewUploader(cfg.ServerURL, store)
			if err := uploader.Retry(args[0]); err != nil {
				return err
			}
			fmt.Printf("Transaction %s queued for the next upload run.\n", args[0])
			return nil
		},
	}
}

func discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <transaction-id>",
		Short: "Drop an errored transaction without uploading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			uploader := circ.NewUploader(cfg.ServerURL, store)
			if err := uploader.Discard(args[0]); err != nil {
				return err
			}
			fmt.Printf("Transaction %s discarded; it will not be sent to the server.\n", args[0])
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, cache freshness, and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			client := &http.Client{Timeout: 5 * time.Second}
			online := false
			if resp, err := client.Get(cfg.ServerURL + "/health"); err == nil {
				resp.Body.Close()
				online = resp.StatusCode == http.StatusOK
			}
			if online {
				fmt.Printf("Server:        %s (connected)\n", cfg.ServerURL)
			} else {
				fmt.Printf("Server:        %s (OFFLINE)\n", cfg.ServerURL)
			}

			statuses, err := store.SyncStatuses()
			if err != nil {
				return err
			}
			for _, kind := range []string{circ.KindBlockList, circ.KindPatrons, circ.KindLoanPolicies} {
				if st, ok := statuses[kind]; ok {
					fmt.Printf("%-14s %d records, synced %s\n",
						kind+":", st.RecordCount, st.LastSync.Format("2006-01-02 15:04"))
				} else {
					fmt.Printf("%-14s never synced\n", kind+":")
				}
			}

			for _, status := range []string{circ.StatusPending, circ.StatusError, circ.StatusProcessed} {
				n, err := store.CountTransactionsByStatus(status)
				if err != nil {
					return err
				}
				fmt.Printf("%-14s %d\n", status+":", n)
			}
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage named offline sessions",
	}

	start := &cobra.Command{
		Use:   "start <name>",
		Short: "Create a new offline session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := service(store, "")
			if err != nil {
				return err
			}
			sess, err := svc.StartSession(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session %q started: %s\n", sess.Name, sess.ID)
			fmt.Println("Pass --session with circulation commands to group under it.")
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List offline sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No offline sessions.")
				return nil
			}
			fmt.Printf("%-36s %-20s %-12s %-10s %s\n", "ID", "Name", "Workstation", "Status", "Transactions")
			fmt.Println(strings.Repeat("-", 95))
			for _, s := range sessions {
				fmt.Printf("%-36s %-20s %-12s %-10s %d\n",
					s.ID, s.Name, s.Workstation, s.Status, s.TransactionCount)
			}
			return nil
		},
	}

	closeSess := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close an offline session, marking it processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := service(store, "")
			if err != nil {
				return err
			}
			sess, err := svc.CloseSession(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session %q closed (%d transactions).\n", sess.Name, sess.TransactionCount)
			return nil
		},
	}

	cmd.AddCommand(start, list, closeSess)
	return cmd
}

func loginCmd() *cobra.Command {
	var set bool
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Verify a staff user against locally cached credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			auth := circ.NewAuthenticator(store)
			username := args[0]

			password, err := readPassword(fmt.Sprintf("Password for %s: ", username))
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}

			if set {
				if err := auth.SetPassword(username, password); err != nil {
					return err
				}
				fmt.Printf("Password cached for %s.\n", username)
			} else if err := auth.Verify(username, password); err != nil {
				return err
			}

			cfg.StaffUsername = username
			if err := circ.SaveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("Signed in as %s; transactions will carry this username.\n", username)
			return nil
		},
	}
	cmd.Flags().BoolVar(&set, "set", false, "cache a new password instead of verifying")
	return cmd
}

func wipeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Erase all local queue and cache data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to wipe without --yes")
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Wipe(); err != nil {
				return err
			}
			fmt.Println("Local store wiped.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
