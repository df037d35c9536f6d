package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/schedule"
)

// ScheduleCmd groups schedule management subcommands
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage sync schedules",
	Long: `Manage per-technician work order sync schedules.

Examples:
  fieldsync schedule ls --owner tech-1
  fieldsync schedule add --owner tech-1 --interval 1h --window 8-18
  fieldsync schedule trigger sched_abc123
  fieldsync schedule enable sched_abc123
  fieldsync schedule disable sched_abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		if owner == "" {
			return errors.New("--owner is required")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		store := schedule.NewStore(database)
		schedules, err := store.ListByOwner(owner)
		if err != nil {
			return err
		}

		if len(schedules) == 0 {
			fmt.Printf("No schedules for owner %s\n", owner)
			return nil
		}

		for _, s := range schedules {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Local().Format(time.RFC3339)
			}
			last := "never"
			if s.LastRunAt != nil {
				last = s.LastRunAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("%s  %s  every %s  last=%s  next=%s  failures=%d\n",
				s.ID, state, s.Interval(), last, next, s.ConsecutiveFailures)
		}
		return nil
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a sync schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		interval, _ := cmd.Flags().GetDuration("interval")
		windowStart, _ := cmd.Flags().GetInt("window-start")
		windowEnd, _ := cmd.Flags().GetInt("window-end")

		if owner == "" {
			return errors.New("--owner is required")
		}

		sched := &schedule.Schedule{
			OwnerID:         owner,
			TaskKind:        schedule.TaskKindWorkOrderSync,
			IntervalSeconds: int(interval.Seconds()),
			Enabled:         true,
		}
		if cmd.Flags().Changed("window-start") || cmd.Flags().Changed("window-end") {
			sched.WindowStartHour = &windowStart
			sched.WindowEndHour = &windowEnd
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		store := schedule.NewStore(database)
		if err := store.Create(sched); err != nil {
			return err
		}

		fmt.Printf("Created schedule %s for owner %s (every %s)\n", sched.ID, owner, sched.Interval())
		return nil
	},
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <schedule-id>",
	Short: "Queue a manual run for a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		store := schedule.NewStore(database)
		if err := store.TriggerNow(args[0], time.Now().UTC()); err != nil {
			return err
		}

		fmt.Printf("Schedule %s will run on the next daemon tick\n", args[0])
		return nil
	},
}

func newSetEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			store := schedule.NewStore(database)
			if err := store.SetEnabled(args[0], enabled); err != nil {
				return err
			}

			fmt.Printf("Schedule %s %s\n", args[0], use+"d")
			return nil
		},
	}
}

func init() {
	scheduleLsCmd.Flags().String("owner", "", "Owner ID to list schedules for")

	scheduleAddCmd.Flags().String("owner", "", "Owner ID the schedule belongs to")
	scheduleAddCmd.Flags().Duration("interval", time.Hour, "Sync interval (15m to 24h)")
	scheduleAddCmd.Flags().Int("window-start", 0, "Active window start hour (0-23)")
	scheduleAddCmd.Flags().Int("window-end", 0, "Active window end hour (0-23)")

	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleTriggerCmd)
	ScheduleCmd.AddCommand(newSetEnabledCmd("enable", "Enable a schedule", true))
	ScheduleCmd.AddCommand(newSetEnabledCmd("disable", "Disable a schedule", false))
}
