package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/config"
	"github.com/kalambet/tether/internal/notify"
	"github.com/kalambet/tether/internal/storage"
	"github.com/kalambet/tether/internal/syncer"
)

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a local change for delivery to the remote store",
	Long: `Queue a local change for delivery to the remote store.

Examples:
  tether enqueue --domain task-store --op insert --payload '{"id":"t1","title":"Write docs"}'
  tether enqueue --domain goal-store --op update --payload-file ./goal.json
  tether enqueue --domain rune-store --op delete --payload '{"id":"r7"}' --owner u1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, _ := cmd.Flags().GetString("domain")
		op, _ := cmd.Flags().GetString("op")
		payload, _ := cmd.Flags().GetString("payload")
		payloadFile, _ := cmd.Flags().GetString("payload-file")
		owner, _ := cmd.Flags().GetString("owner")

		if domain == "" || op == "" {
			return fmt.Errorf("--domain and --op are required")
		}
		if _, err := changes.ParseDomain(domain); err != nil {
			return fmt.Errorf("%w (valid: %s)", err, strings.Join(domainNames(), ", "))
		}
		if payload != "" && payloadFile != "" {
			return fmt.Errorf("use only one of --payload and --payload-file")
		}
		if payloadFile != "" {
			data, err := os.ReadFile(payloadFile)
			if err != nil {
				return fmt.Errorf("reading payload file: %w", err)
			}
			payload = string(data)
		}

		req := map[string]any{
			"domain":    domain,
			"operation": op,
		}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			req["payload"] = json.RawMessage(payload)
		}
		if owner != "" {
			req["owner_id"] = owner
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/changes", req)
		if err != nil {
			return err
		}

		var result struct {
			ID        string `json:"id"`
			QueueSize int    `json:"queue_size"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued change %s (%d pending)", result.ID, result.QueueSize)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("domain", "", "domain store the change belongs to")
	enqueueCmd.Flags().String("op", "", "operation: insert, update or delete")
	enqueueCmd.Flags().String("payload", "", "change payload as JSON")
	enqueueCmd.Flags().String("payload-file", "", "read the JSON payload from a file")
	enqueueCmd.Flags().String("owner", "", "owner id (defaults to the signed-in owner)")
}

func domainNames() []string {
	var names []string
	for _, d := range changes.AllDomains() {
		names = append(names, d.String())
	}
	return names
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync [domain]",
	Short: "Run a sync now, for every domain or a single one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		direction, _ := cmd.Flags().GetString("direction")

		path := "/sync"
		body := map[string]string{}
		if owner != "" {
			body["owner_id"] = owner
		}
		if len(args) == 1 {
			if _, err := changes.ParseDomain(args[0]); err != nil {
				return err
			}
			if _, err := syncer.ParseDirection(direction); err != nil {
				return err
			}
			path += "/" + url.PathEscape(args[0])
			body["direction"] = direction
		} else if direction != "" {
			return fmt.Errorf("--direction needs a domain")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), path, body)
		if err != nil {
			return err
		}

		var sum syncer.Summary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}
		printSummary(sum)
		return nil
	},
}

func init() {
	syncCmd.Flags().String("owner", "", "owner id (defaults to the signed-in owner)")
	syncCmd.Flags().String("direction", "", "up, down or bidirectional (domain syncs only)")
}

func printSummary(sum syncer.Summary) {
	if sum.Skipped {
		printWarning("Sync of %s skipped: another run is in progress", sum.Scope)
		return
	}
	if sum.Aborted {
		printWarning("Sync of %s aborted by sign-out", sum.Scope)
		return
	}
	msg := fmt.Sprintf("Synced %s: %d processed, %d conflicts, %d errors, %d remaining",
		sum.Scope, sum.Processed, sum.Conflicts, sum.Errors, sum.Remaining)
	if sum.Errors > 0 || sum.Evicted > 0 {
		printWarning("%s, %d evicted", msg, sum.Evicted)
		return
	}
	printSuccess("%s", msg)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}

		var result struct {
			Size    int              `json:"size"`
			Records []changes.Record `json:"records"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			return printJSON(result.Records)
		}
		if result.Size == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, r := range result.Records {
			line := fmt.Sprintf("%s  %-18s %-6s owner=%s retries=%d",
				colorize(colorCyan, r.ID), r.Domain, r.Operation, r.OwnerID, r.RetryCount)
			if r.LastError != "" {
				line += "  " + colorize(colorRed, r.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().Bool("json", false, "print records as JSON")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		scope, _ := cmd.Flags().GetString("scope")

		q := url.Values{}
		q.Set("limit", fmt.Sprintf("%d", limit))
		if scope != "" {
			q.Set("scope", scope)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs?"+q.Encode())
		if err != nil {
			return err
		}

		var runs []storage.SyncRun
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-18s %-13s %-7s processed=%d conflicts=%d errors=%d evicted=%d %s\n",
				r.StartedAt.Local().Format(time.DateTime), r.Scope, r.Direction, r.Status,
				r.Processed, r.Conflicts, r.Errors, r.Evicted, r.Duration.Round(time.Millisecond))
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "number of runs to show")
	runsCmd.Flags().String("scope", "", "only show runs for this domain or \"system\"")
}

// --- session ---

var signinCmd = &cobra.Command{
	Use:   "signin <owner-id>",
	Short: "Sign in as an owner; queued changes for that owner start draining",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/session", map[string]string{"owner_id": args[0]})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Signed in as %s", result["owner_id"])
		return nil
	},
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out; pending changes are discarded",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/session")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Signed out")
		return nil
	},
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream sync events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return watchEvents(ctx, client, owner, func(ev notify.Event) error {
			if asJSON {
				return printJSON(ev)
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s\n",
				ev.Timestamp.Local().Format(time.TimeOnly), colorize(colorCyan, ev.Name), payload)
			return nil
		})
	},
}

func init() {
	watchCmd.Flags().String("owner", "", "only show events for this owner")
	watchCmd.Flags().Bool("json", false, "print raw event JSON")
}

// watchEvents reads the /events stream and calls fn for each event. It
// returns nil when ctx is cancelled or the server closes the stream.
func watchEvents(ctx context.Context, c *apiClient, owner string, fn func(notify.Event) error) error {
	q := url.Values{}
	q.Set("access_token", c.token)
	if owner != "" {
		q.Set("owner", owner)
	}
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events?" + q.Encode()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("server not reachable, is tether running? (%w)", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		var ev notify.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configSetCmd.Long = "Set a configuration value.\n\nValid keys: " + strings.Join(config.ValidKeys(), ", ")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
