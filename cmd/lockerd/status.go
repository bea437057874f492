package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mtingers/lockerd/internal/server"
)

func newStatusCommand() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connections and locks of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			hc := &http.Client{Timeout: timeout}
			resp, err := hc.Get(strings.TrimRight(url, "/") + "/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status: %s", resp.Status)
			}
			var st map[string]server.ConnStatus
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), st, time.Now())
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:9090", "Base URL of the management listener")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func printStatus(w io.Writer, st map[string]server.ConnStatus, now time.Time) error {
	peers := make([]string, 0, len(st))
	for p := range st {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tPID\tSEQ\tLOCK\tREQUESTED\tACQUIRED\tSTATE")
	for _, peer := range peers {
		cs := st[peer]
		if len(cs.Locks) == 0 {
			fmt.Fprintf(tw, "%s\t%d\t-\t-\t-\t-\tidle\n", peer, cs.ProcessID)
			continue
		}
		for _, l := range cs.Locks {
			acquired := "-"
			if l.Acquired != nil {
				acquired = ago(now, *l.Acquired)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
				peer, cs.ProcessID, l.Sequence, l.Lock, ago(now, l.Request), acquired, lockState(l))
		}
	}
	return tw.Flush()
}

func ago(now time.Time, ms int64) string {
	return humanize.RelTime(now.Add(-time.Duration(ms)*time.Millisecond), now, "ago", "from now")
}

func lockState(l server.LockInfo) string {
	switch {
	case l.Error != "":
		return "failed: " + l.Error
	case l.Held:
		return "held"
	case l.Acquired != nil:
		return "lapsed"
	default:
		return "waiting"
	}
}
