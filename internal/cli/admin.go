package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-sched/internal/config"
	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/server"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// requestTimeout 單一管理請求的上限
const requestTimeout = 10 * time.Second

// ============================================================================
// schedule 的目標：執行中節點（gRPC）或直接寫入 store
// ============================================================================

type scheduleTarget interface {
	StoreCalendar(ctx context.Context, name string, cal types.Calendar, replace, updateTriggers bool) error
	Schedule(ctx context.Context, job *types.JobDetail, t *types.Trigger, replace bool) error
}

var _ scheduleTarget = (*server.Client)(nil)

type engineTarget struct{ e *jobstore.Engine }

func (t engineTarget) StoreCalendar(ctx context.Context, name string, cal types.Calendar, replace, updateTriggers bool) error {
	return t.e.StoreCalendar(ctx, name, cal, replace, updateTriggers)
}

func (t engineTarget) Schedule(ctx context.Context, job *types.JobDetail, tr *types.Trigger, replace bool) error {
	switch {
	case job != nil && tr != nil && !replace:
		return t.e.StoreJobAndTrigger(ctx, job, tr)
	case job != nil:
		if err := t.e.StoreJob(ctx, job, replace); err != nil {
			return err
		}
	}
	if tr == nil {
		return nil
	}
	return t.e.StoreTrigger(ctx, tr, replace)
}

// applyPlan 先存日曆，再存每個任務與它的觸發器
func applyPlan(ctx context.Context, target scheduleTarget, p *schedulePlan, replace bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, c := range p.Calendars {
		if err := target.StoreCalendar(ctx, c.Name, c.Calendar, replace, replace); err != nil {
			return errors.Wrapf(err, "store calendar %s", c.Name)
		}
	}
	for _, job := range p.Jobs {
		first := true
		for _, t := range p.Triggers {
			if t.JobKey != job.Key {
				continue
			}
			j := job
			if !first {
				j = nil
			}
			if err := target.Schedule(ctx, j, t, replace); err != nil {
				return errors.Wrapf(err, "schedule trigger %s", t.Key)
			}
			first = false
		}
		if first {
			if err := target.Schedule(ctx, job, nil, replace); err != nil {
				return errors.Wrapf(err, "store job %s", job.Key)
			}
		}
	}
	return nil
}

// dialAdmin 連到 addr；為空時用配置中的 grpc.addr
func dialAdmin(addr string) (*server.Client, error) {
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "load config")
		}
		addr = cfg.GRPC.Addr
	}
	return server.Dial(addr)
}

// withClient 在 requestTimeout 內執行一個管理請求
func withClient(cmd *cobra.Command, addr string, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := dialAdmin(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, requestTimeout)
	defer cancel()
	return fn(ctx, client)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Long:  "Ask a running node for its runner state and job store counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (default grpc.addr from config)")
	return cmd
}

func printStatus(out io.Writer, st map[string]any) {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		v := st[k]
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			v = int64(f)
		}
		fmt.Fprintf(w, "%s:\t%v\n", k, v)
	}
	w.Flush()
}

// ============================================================================
// admin
// ============================================================================

func buildAdminCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Pause, resume and inspect triggers on a running node",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "admin address (default grpc.addr from config)")

	keyArgs := func(args []string) types.TriggerKey {
		group := ""
		if len(args) > 1 {
			group = args[1]
		}
		return types.NewTriggerKey(args[0], group)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "state NAME [GROUP]",
		Short: "Show the state of a trigger",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				state, err := c.TriggerState(ctx, keyArgs(args))
				if err != nil {
					return err
				}
				cmd.Println(state)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list [GROUP]",
		Short: "List triggers with their state and next fire time",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := ""
			if len(args) == 1 {
				group = args[0]
			}
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				list, err := c.ListTriggers(ctx, group)
				if err != nil {
					return err
				}
				printTriggers(cmd.OutOrStdout(), list)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pause NAME [GROUP]",
		Short: "Pause a trigger",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				return c.PauseTrigger(ctx, keyArgs(args))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume NAME [GROUP]",
		Short: "Resume a trigger",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				return c.ResumeTrigger(ctx, keyArgs(args))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pause-group GROUP",
		Short: "Pause every trigger in a group, including ones added later",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				groups, err := c.PauseGroup(ctx, args[0])
				if err != nil {
					return err
				}
				cmd.Printf("paused: %v\n", groups)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume-group GROUP",
		Short: "Resume every trigger in a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				groups, err := c.ResumeGroup(ctx, args[0])
				if err != nil {
					return err
				}
				cmd.Printf("resumed: %v\n", groups)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pause-all",
		Short: "Pause every trigger group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				return c.PauseAll(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume-all",
		Short: "Resume every trigger group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				return c.ResumeAll(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unschedule NAME [GROUP]",
		Short: "Remove a trigger (and its job when nothing else keeps it)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				removed, err := c.Unschedule(ctx, keyArgs(args))
				if err != nil {
					return err
				}
				if !removed {
					cmd.Println("no such trigger")
				}
				return nil
			})
		},
	})

	return cmd
}

func printTriggers(out io.Writer, list []server.TriggerInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRIGGER\tJOB\tSTATE\tPRIORITY\tNEXT FIRE")
	for _, t := range list {
		next := "-"
		if t.NextFireTime != 0 {
			next = time.UnixMilli(t.NextFireTime).Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.Key, t.Job, t.State, t.Priority, next)
	}
	w.Flush()
}
