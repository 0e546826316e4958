package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/spf13/cobra"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Inspect and tune the concurrency gate",
}

var gateInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show per-key slots, queues and circuit state",
	RunE:  runGateInfo,
}

var gateSetLimitCmd = &cobra.Command{
	Use:   "set-limit [key] [limit]",
	Short: "Override the slot limit of a key (0 means unlimited)",
	Args:  cobra.ExactArgs(2),
	RunE:  runGateSetLimit,
}

var gateResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Close the circuit breaker of a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runGateReset,
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect the session pool",
}

var poolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pool counters and pooled sessions",
	RunE:  runPoolStats,
}

func init() {
	gateCmd.AddCommand(gateInfoCmd, gateSetLimitCmd, gateResetCmd)
	poolCmd.AddCommand(poolStatsCmd)
}

func runGateInfo(cmd *cobra.Command, args []string) error {
	var keys []concurrency.KeyInfo
	if err := apiGetJSON("/gate", &keys); err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No keys tracked yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tACTIVE\tLIMIT\tQUEUED\tCIRCUIT")
	for _, k := range keys {
		limit := strconv.Itoa(k.Limit)
		if k.Limit < 0 {
			limit = "∞"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", k.Key, k.Active, limit, k.Queued, k.Circuit)
	}
	return w.Flush()
}

func runGateSetLimit(cmd *cobra.Command, args []string) error {
	limit, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("limit must be a number: %w", err)
	}
	if _, err := apiPost("/gate/"+url.PathEscape(args[0])+"/limit", map[string]int{"limit": limit}); err != nil {
		return err
	}
	fmt.Printf("Set limit of %s to %d\n", args[0], limit)
	return nil
}

func runGateReset(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/gate/"+url.PathEscape(args[0])+"/reset", nil); err != nil {
		return err
	}
	fmt.Printf("Circuit of %s closed\n", args[0])
	return nil
}

func runPoolStats(cmd *cobra.Command, args []string) error {
	var view controlplane.PoolView
	if err := apiGetJSON("/pool", &view); err != nil {
		return err
	}

	st := view.Stats
	fmt.Printf("Sessions: %d total, %d in use, %d available\n", st.TotalSessions, st.SessionsInUse, st.AvailableSessions)
	fmt.Printf("Reuse:    %d hits, %d misses\n", st.ReuseHits, st.CreationMisses)

	cats := make([]string, 0, len(st.ByCategory))
	for c := range st.ByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		cs := st.ByCategory[c]
		fmt.Printf("  %-12s %d/%d in use\n", c, cs.InUse, cs.Total)
	}

	if len(view.Sessions) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCATEGORY\tIN USE\tREUSED\tHEALTH")
	for _, s := range view.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", s.ID, s.Category, s.InUse, s.ReuseCount, s.Health)
	}
	return w.Flush()
}
