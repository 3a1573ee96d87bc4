package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"smarthome-automations/internal/automation"
	"smarthome-automations/internal/config"
	"smarthome-automations/internal/devices"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/redis"
	"smarthome-automations/internal/store"

	"github.com/spf13/cobra"
)

// newCheckCmd evaluates the conditions of one automation against live device state
// without running its actions
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <automation-id>",
		Short: "Dry-run the conditions of an automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid automation id %q", args[0])
			}
			return check(cmd.Context(), cmd.OutOrStdout(), id)
		},
	}
}

func check(ctx context.Context, out io.Writer, id uint64) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Engine.Location()
	if err != nil {
		return err
	}

	database, gormDB, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	redisClient, err := redis.NewRedisClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()

	a, err := store.NewAutomationRepository(gormDB).FindAnyByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load automation %d: %w", id, err)
	}
	evaluator := automation.NewEvaluator(devices.NewRegistry(redisClient, database, 0), loc, cfg.Engine.StaleAfter)
	res, err := evaluator.Evaluate(ctx, a.Conditions, time.Now())
	if err != nil {
		return err
	}
	printCheck(out, a, res, cfg)
	return nil
}

func printCheck(out io.Writer, a *models.Automation, res automation.EvalResult, cfg *config.Config) {
	state := "active"
	switch {
	case a.IsDraft:
		state = "draft"
	case !a.Enabled:
		state = "disabled"
	}
	fmt.Fprintf(out, "automation %d %q (%s, timezone %s)\n", a.ID, a.Name, state, cfg.Engine.Timezone)
	fmt.Fprintf(out, "triggers: %d, conditions: %d, actions: %d\n", len(a.Triggers), len(a.Conditions), len(a.Actions))
	if !res.Passed {
		fmt.Fprintf(out, "result: skipped, condition #%d (%s) not met: %s\n", res.FailedIndex, res.FailedType, res.Reason)
		return
	}
	fmt.Fprintln(out, "result: conditions pass, actions would run")
	if res.Stale {
		fmt.Fprintf(out, "stale device data: %v\n", res.StaleFields)
	}
}
