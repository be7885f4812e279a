package main

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/ProxGo/internal/client"
	"github.com/cjeanneret/ProxGo/internal/hw/stepper"
)

var positionCmd = &cobra.Command{
	Use:   "position",
	Short: "Print the normalized current position",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			p, err := c.Position(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.4f\n", p)
			return nil
		})
	},
}

var targetCmd = &cobra.Command{
	Use:   "target <position>",
	Short: "Move to a normalized position and print the expected travel time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parsePosition(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			d, err := c.SetTarget(ctx, p)
			if err != nil {
				return err
			}
			if d == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no move (not calibrated or already there)")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "moving, expected %s\n", d)
			return nil
		})
	},
}

var speedCmd = &cobra.Command{
	Use:   "speed [steps/s]",
	Short: "Print the speed, or set it when a value is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			v, err := parseSpeed(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.SetSpeed(ctx, v); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			v, err := c.Speed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d steps/s\n", v)
			return nil
		})
	},
}

var reachedCmd = &cobra.Command{
	Use:   "reached",
	Short: "Report whether the last target has been reached",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			ok, err := c.TargetReached(ctx)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintln(cmd.OutOrStdout(), "target reached")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "moving")
			}
			return nil
		})
	},
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Start a calibration run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Recalibrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "calibration started")
			return nil
		})
	},
}

var expectedCmd = &cobra.Command{
	Use:   "expected <position>",
	Short: "Print how long a move to position would take",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parsePosition(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			d, err := c.ExpectedTime(ctx, p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		})
	},
}

var savePowerCmd = &cobra.Command{
	Use:   "save-power",
	Short: "Stop and release the motor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.SavePower(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		})
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode <single|double|interleave|microstep|0-3>",
	Short: "Change the stepping mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := parseModeArg(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.SetMode(ctx, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stepping mode %s\n", m)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the firmware version reported by the proxy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			v, err := c.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", v)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(positionCmd, targetCmd, speedCmd, reachedCmd, calibrateCmd,
		expectedCmd, savePowerCmd, modeCmd, versionCmd)
}

func parsePosition(s string) (float64, error) {
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("position %q: %w", s, err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("position must be between 0 and 1, got %s", s)
	}
	return p, nil
}

func parseSpeed(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("speed %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("speed must be > 0, got %d", v)
	}
	return v, nil
}

// parseModeArg is stepper.ParseMode without the empty-string default.
func parseModeArg(s string) (stepper.Mode, error) {
	if s == "" {
		return 0, fmt.Errorf("stepping mode is empty")
	}
	return stepper.ParseMode(s)
}
