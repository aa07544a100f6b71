package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/convoyops/internal/db"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/store"
)

func newReplayCmd() *cobra.Command {
	var (
		configPath string
		role       string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print the mission audit trail",
		Long: `Prints connection events and route changes in chronological order,
for debriefing a finished or running mission.

--role limits the trail to one unit: its connects and disconnects and the
route changes it triggered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, configPath, role, since)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "convoy.yaml", "path to convoy config file")
	cmd.Flags().StringVar(&role, "role", "", "only show events for this role (e.g. CONVOY_1, PC)")
	cmd.Flags().StringVar(&since, "since", "", "only show events at or after this RFC3339 time")
	return cmd
}

func runReplay(cmd *cobra.Command, configPath, roleFlag, sinceFlag string) error {
	out := cmd.OutOrStdout()

	var role models.Role
	if roleFlag != "" {
		r, err := models.ParseRole(roleFlag)
		if err != nil {
			return err
		}
		role = r
	}
	var since time.Time
	if sinceFlag != "" {
		t, err := time.Parse(time.RFC3339, sinceFlag)
		if err != nil {
			return fmt.Errorf("invalid --since %q: %w", sinceFlag, err)
		}
		since = t
	}

	cfg, err := loadConfig(out, configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	state, err := db.LoadState(gormDB)
	if err != nil {
		return err
	}

	if state.Mission != nil {
		fmt.Fprintf(out, "Mission %q (%s)\n\n", state.Mission.Name, state.Mission.Status)
	}

	entries := auditTrail(state, role, since)
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tROLE\tEVENT\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.UTC().Format(time.RFC3339), e.Role, e.Event, e.Detail)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d events\n", len(entries))
	return nil
}

// auditEntry is one row of the merged audit trail.
type auditEntry struct {
	At     time.Time
	Role   string
	Event  string
	Detail string
}

// auditTrail merges the connection log and route changes by time. Ties
// keep connection events first, each source in its own sequence order.
func auditTrail(st store.State, role models.Role, since time.Time) []auditEntry {
	var entries []auditEntry
	for _, c := range st.ConnectionLog {
		if role != "" && c.Role != role {
			continue
		}
		if c.CreatedAt.Before(since) {
			continue
		}
		entries = append(entries, auditEntry{
			At:     c.CreatedAt,
			Role:   string(c.Role),
			Event:  string(c.Event),
			Detail: fmt.Sprintf("at %.5f, %.5f", c.Lat, c.Lng),
		})
	}
	for _, rc := range st.RouteChanges {
		by := "-"
		if rc.TriggeredBy != nil {
			by = string(*rc.TriggeredBy)
		}
		if role != "" && by != string(role) {
			continue
		}
		if rc.CreatedAt.Before(since) {
			continue
		}
		detail := rc.Reason
		if rc.Justification != "" {
			detail += ": " + rc.Justification
		}
		entries = append(entries, auditEntry{
			At:     rc.CreatedAt,
			Role:   by,
			Event:  "ROUTE_CHANGE",
			Detail: detail,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})
	return entries
}
