package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/NutriPipe/internal/api"
	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
)

func newChatCmd(opts *rootOpts) *cobra.Command {
	var userID, sessionID, timezone string
	cmd := &cobra.Command{
		Use:   "chat MESSAGE...",
		Short: "Send one conversation turn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().chat(cmd.Context(), models.TurnRequest{
				UserID:    userID,
				SessionID: sessionID,
				Message:   strings.Join(args, " "),
				Timezone:  timezone,
			})
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), resp, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\n[%s]\n", resp.Message, resp.ResponseType)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session ID")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone for this turn")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newPendingCmd(opts *rootOpts) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show the user's pending action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pending *models.PendingAction
			if err := opts.client().result(cmd.Context(), http.MethodGet, userPath(userID, "/pending"), nil, nil, &pending); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), pending, func(w io.Writer) error {
				if pending == nil {
					_, err := fmt.Fprintln(w, "no pending action")
					return err
				}
				_, err := fmt.Fprintf(w, "%s\n", pending.Type)
				return err
			})
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard the user's pending action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.client().result(cmd.Context(), http.MethodDelete, userPath(userID, "/pending"), nil, nil, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "pending action cleared")
			return err
		},
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "user ID")
	_ = cmd.MarkPersistentFlagRequired("user")
	cmd.AddCommand(clearCmd)
	return cmd
}

func newGoalsCmd(opts *rootOpts) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "goals",
		Short: "List the user's nutrient goals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var goals []models.Goal
			if err := opts.client().result(cmd.Context(), http.MethodGet, userPath(userID, "/goals"), nil, nil, &goals); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), goals, func(w io.Writer) error {
				if len(goals) == 0 {
					_, err := fmt.Fprintln(w, "no goals")
					return err
				}
				for _, g := range goals {
					if _, err := fmt.Fprintf(w, "%-14s %8.1f %-5s %s\n", g.Nutrient, g.Target, g.Unit, g.GoalType); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newLogsCmd(opts *rootOpts) *cobra.Command {
	var userID, date, timezone string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show one local day of food logs with totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if date != "" {
				q.Set("date", date)
			}
			if timezone != "" {
				q.Set("tz", timezone)
			}
			var day api.DayLog
			if err := opts.client().result(cmd.Context(), http.MethodGet, userPath(userID, "/logs"), q, nil, &day); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), day, func(w io.Writer) error {
				return writeDayLog(w, day)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().StringVar(&date, "date", "", "local day as YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone (default the user's preference)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func writeDayLog(w io.Writer, day api.DayLog) error {
	if _, err := fmt.Fprintf(w, "%s: %d entries\n", day.Summary.Date, day.Summary.Entries); err != nil {
		return err
	}
	for _, e := range day.Entries {
		if _, err := fmt.Fprintf(w, "  %s  %s %s\n", e.LoggedAt.Format("15:04"), e.FoodName, e.Portion); err != nil {
			return err
		}
	}
	keys := make([]string, 0, len(day.Summary.Totals))
	for k := range day.Summary.Totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	reg := nutrient.Default()
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "  %-14s %8.1f %s\n", reg.DisplayName(k), day.Summary.Totals[k], reg.Unit(k)); err != nil {
			return err
		}
	}
	for _, g := range day.Summary.Goals {
		if _, err := fmt.Fprintf(w, "  goal %-9s %.1f / %.1f %s\n", g.Name, g.Logged, g.Target, g.Unit); err != nil {
			return err
		}
	}
	return nil
}

func newRecipesCmd(opts *rootOpts) *cobra.Command {
	var userID, query string
	cmd := &cobra.Command{
		Use:   "recipes",
		Short: "Search the user's saved recipes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if query != "" {
				q.Set("q", query)
			}
			var recipes []models.Recipe
			if err := opts.client().result(cmd.Context(), http.MethodGet, userPath(userID, "/recipes"), q, nil, &recipes); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), recipes, func(w io.Writer) error {
				for _, r := range recipes {
					if _, err := fmt.Fprintf(w, "%s  %s (%g servings)\n", r.ID, r.Name, r.Servings); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().StringVarP(&query, "query", "q", "", "name filter")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newExecutionsCmd(opts *rootOpts) *cobra.Command {
	var userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List the newest execution records of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			var recs []models.ExecutionRecord
			if err := opts.client().result(cmd.Context(), http.MethodGet, userPath(userID, "/executions"), q, nil, &recs); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), recs, func(w io.Writer) error {
				for _, r := range recs {
					if _, err := fmt.Fprintf(w, "%s  %-20s %-26s %5dms  %q\n",
						r.StartedAt.Format("2006-01-02 15:04:05"), r.Path, r.ResponseType, r.DurationMS, r.RawMessage); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newContextCmd(opts *rootOpts) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "set-context KEY=VALUE...",
		Short: "Merge preferences such as timezone into the user's context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args)
			if err != nil {
				return err
			}
			if err := opts.client().result(cmd.Context(), http.MethodPatch, userPath(userID, "/context"), nil, patch, nil); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "context updated")
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// parseAssignments turns KEY=VALUE arguments into a patch. An empty value
// removes the key.
func parseAssignments(args []string) (map[string]interface{}, error) {
	patch := make(map[string]interface{}, len(args))
	for _, a := range args {
		key, value, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", a)
		}
		if value == "" {
			patch[key] = nil
			continue
		}
		patch[key] = value
	}
	return patch, nil
}

func newNutrientsCmd(opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nutrients",
		Short: "List canonical nutrients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var all []nutrient.Nutrient
			if err := opts.client().result(cmd.Context(), http.MethodGet, "/nutrients", nil, nil, &all); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), all, func(w io.Writer) error {
				for _, n := range all {
					if _, err := fmt.Fprintf(w, "%-16s %-18s %s\n", n.Key, n.Name, n.Unit); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	resolve := &cobra.Command{
		Use:   "resolve LABEL",
		Short: "Map a free-text nutrient label to its canonical key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res api.ResolvedNutrient
			if err := opts.client().result(cmd.Context(), http.MethodGet, "/nutrients/resolve", url.Values{"label": {args[0]}}, nil, &res); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s -> %s (%s, %s)\n", res.Label, res.Key, res.Name, res.Unit)
				return err
			})
		},
	}
	cmd.AddCommand(resolve)
	return cmd
}

func newHealthCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server's health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health map[string]interface{}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, nil, &health); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), health, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%v\n", health["status"])
				return err
			})
		},
	}
}
