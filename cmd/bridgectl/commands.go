package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/danmuck/hostbridge/internal/config"
	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/protocol/schema"
	"github.com/danmuck/hostbridge/internal/protocol/tlv"
	"github.com/danmuck/hostbridge/internal/server"
	"github.com/spf13/cobra"
)

type cli struct {
	profilePath string
	socketPath  string
	adminURL    string
	timeout     time.Duration
	retries     int
	profile     config.Profile
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "Talk to a running bridged",
		Long: `bridgectl issues calls on the bridged Unix socket and reads the admin HTTP view.

Examples:
  bridgectl ping
  bridgectl checkin --pid 10 --tid 11
  bridgectl lookup process 10
  bridgectl exit 10
  bridgectl processes`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			return c.resolve(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.profilePath, "profile", "", "bridgectl TOML profile")
	root.PersistentFlags().StringVar(&c.socketPath, "socket", config.DefaultSocketPath, "bridged socket path")
	root.PersistentFlags().StringVar(&c.adminURL, "admin", config.DefaultAdminURL, "bridged admin base URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", config.DefaultTimeout, "per-command timeout")
	root.PersistentFlags().IntVar(&c.retries, "retries", 1, "dial attempts before giving up")

	root.AddCommand(
		c.pingCmd(),
		c.checkinCmd(),
		c.checkoutCmd(),
		c.exitCmd(),
		c.lookupCmd(),
		c.processesCmd(),
	)
	return root
}

// resolve loads the profile, then lets explicitly set flags win.
func (c *cli) resolve(cmd *cobra.Command) error {
	profile := config.DefaultProfile()
	if c.profilePath != "" {
		p, err := config.LoadProfile(c.profilePath)
		if err != nil {
			return err
		}
		profile = p
	}
	flags := cmd.Flags()
	if flags.Changed("socket") {
		profile.SocketPath = c.socketPath
	}
	if flags.Changed("admin") {
		profile.AdminURL = c.adminURL
	}
	if flags.Changed("timeout") {
		profile.Timeout = c.timeout
	}
	if err := config.ValidateProfile(profile); err != nil {
		return err
	}
	if c.retries < 1 {
		return fmt.Errorf("--retries must be at least 1, got %d", c.retries)
	}
	c.profile = profile
	return nil
}

// call dials, issues one call and closes the connection.
func (c *cli) call(ctx context.Context, callType uint32, fields ...tlv.Field) ([]tlv.Field, error) {
	ctx, cancel := context.WithTimeout(ctx, c.profile.Timeout)
	defer cancel()
	client, err := server.DialRetry(ctx, c.profile.SocketPath, c.retries, server.DefaultBackoff())
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Call(ctx, callType, fields...)
}

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [message]",
		Short: "Check that bridged answers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields []tlv.Field
			if len(args) == 1 {
				fields = append(fields, tlv.String(schema.FieldMessage, args[0]))
			}
			start := time.Now()
			out, err := c.call(cmd.Context(), schema.CallPing, fields...)
			if err != nil {
				return err
			}
			msg := ""
			if f, ok := tlv.GetField(out, schema.FieldMessage); ok {
				msg, _ = f.Str()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", msg, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

func (c *cli) checkinCmd() *cobra.Command {
	var pid, tid, parent, hostPID, hostTID int32
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Register a thread and its process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := []tlv.Field{
				tlv.I32(schema.FieldPID, pid),
				tlv.I32(schema.FieldTID, tid),
			}
			flags := cmd.Flags()
			if flags.Changed("parent") {
				fields = append(fields, tlv.I32(schema.FieldParentPID, parent))
			}
			if flags.Changed("host-pid") {
				fields = append(fields, tlv.I32(schema.FieldHostPID, hostPID))
			}
			if flags.Changed("host-tid") {
				fields = append(fields, tlv.I32(schema.FieldHostTID, hostTID))
			}
			out, err := c.call(cmd.Context(), schema.CallCheckin, fields...)
			if err != nil {
				return err
			}
			return printFields(cmd, out)
		},
	}
	cmd.Flags().Int32Var(&pid, "pid", 0, "guest process id")
	cmd.Flags().Int32Var(&tid, "tid", 0, "guest thread id")
	cmd.Flags().Int32Var(&parent, "parent", 0, "guest parent process id")
	cmd.Flags().Int32Var(&hostPID, "host-pid", 0, "host pid; without it the process is never reaped")
	cmd.Flags().Int32Var(&hostTID, "host-tid", 0, "host tid")
	_ = cmd.MarkFlagRequired("pid")
	_ = cmd.MarkFlagRequired("tid")
	return cmd
}

func (c *cli) checkoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <tid>",
		Short: "Remove a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tid, err := parseNSID(args[0])
			if err != nil {
				return err
			}
			out, err := c.call(cmd.Context(), schema.CallCheckout, tlv.I32(schema.FieldTID, tid))
			if err != nil {
				return err
			}
			return printFields(cmd, out)
		},
	}
}

func (c *cli) exitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exit <pid>",
		Short: "Remove a process and its threads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parseNSID(args[0])
			if err != nil {
				return err
			}
			out, err := c.call(cmd.Context(), schema.CallProcessExit, tlv.I32(schema.FieldPID, pid))
			if err != nil {
				return err
			}
			return printFields(cmd, out)
		},
	}
}

func (c *cli) lookupCmd() *cobra.Command {
	lookup := &cobra.Command{
		Use:   "lookup",
		Short: "Look up a process or thread by guest id",
	}
	lookup.AddCommand(
		c.lookupSub("process <pid>", "Look up a process", schema.CallLookupProcess, schema.FieldPID),
		c.lookupSub("thread <tid>", "Look up a thread", schema.CallLookupThread, schema.FieldTID),
	)
	return lookup
}

func (c *cli) lookupSub(use, short string, callType uint32, field uint16) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nsid, err := parseNSID(args[0])
			if err != nil {
				return err
			}
			out, err := c.call(cmd.Context(), callType, tlv.I32(field, nsid))
			if err != nil {
				return err
			}
			return printFields(cmd, out)
		},
	}
}

type processRow struct {
	ID         uint64 `json:"id"`
	NSID       int32  `json:"nsid"`
	HostPID    int32  `json:"host_pid"`
	ParentNSID int32  `json:"parent_nsid"`
	Threads    int    `json:"threads"`
}

func (c *cli) processesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List processes from the admin endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), c.profile.Timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.profile.AdminURL+"/processes", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("admin returned %s", resp.Status)
			}
			var body struct {
				Processes []processRow `json:"processes"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode processes: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NSID\tID\tPARENT\tHOST_PID\tTHREADS")
			for _, p := range body.Processes {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n", p.NSID, p.ID, p.ParentNSID, p.HostPID, p.Threads)
			}
			return tw.Flush()
		},
	}
}

func parseNSID(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return int32(v), nil
}

var fieldNames = map[uint16]string{
	schema.FieldPID:              "pid",
	schema.FieldTID:              "tid",
	schema.FieldParentPID:        "parent_pid",
	schema.FieldHostPID:          "host_pid",
	schema.FieldHostTID:          "host_tid",
	schema.FieldInternalID:       "process_id",
	schema.FieldFound:            "found",
	schema.FieldThreads:          "threads",
	schema.FieldThreadInternalID: "thread_id",
	schema.FieldMessage:          "message",
}

// printFields writes one "name=value" line per reply field.
func printFields(cmd *cobra.Command, fields []tlv.Field) error {
	w := cmd.OutOrStdout()
	for _, f := range fields {
		name, ok := fieldNames[f.ID]
		if !ok {
			name = strconv.Itoa(int(f.ID))
		}
		fmt.Fprintf(w, "%s=%s\n", name, fieldValue(f))
	}
	return nil
}

func fieldValue(f tlv.Field) string {
	switch f.Type {
	case tlv.TypeBool:
		v, _ := f.Bool()
		return strconv.FormatBool(v)
	case tlv.TypeI32:
		v, _ := f.I32()
		return strconv.FormatInt(int64(v), 10)
	case tlv.TypeU32:
		v, _ := f.U32()
		return strconv.FormatUint(uint64(v), 10)
	case tlv.TypeU64:
		v, _ := f.U64()
		return strconv.FormatUint(v, 10)
	case tlv.TypeString:
		return strconv.Quote(string(f.Value))
	default:
		return fmt.Sprintf("%x", f.Value)
	}
}
