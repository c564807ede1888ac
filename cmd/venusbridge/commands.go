package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/venus-bridge/internal/auth"
	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/venus-bridge/internal/marstek"
)

func newDiscoverCmd(opts *options) *cobra.Command {
	var (
		window    time.Duration
		port      int
		broadcast string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Broadcast a discovery probe and list the devices that answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}

			dc := cfg.Discovery
			if port != 0 {
				dc.Port = port
			}
			if broadcast != "" {
				dc.BroadcastAddress = broadcast
			}
			if window <= 0 {
				window = dc.ScanWindow
			}

			found, err := newScanner(dc, cliLogger(cfg)).Discover(cmd.Context(), window)
			if err != nil {
				return fmt.Errorf("discovery: %w", err)
			}
			if found == nil {
				found = []marstek.DiscoveredDevice{}
			}
			return printJSON(cmd.OutOrStdout(), found)
		},
	}

	cmd.Flags().DurationVarP(&window, "window", "w", 0, "how long to listen for replies (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "device UDP port (default from config)")
	cmd.Flags().StringVar(&broadcast, "broadcast", "", "broadcast address (default from config)")
	return cmd
}

func newCallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call <device> <endpoint> [params-json]",
		Short: "Call one endpoint on a configured device and print the result",
		Long: "Call one endpoint on a configured device and print the result.\n\n" +
			"Endpoints: status, battery, wifi, mode, device_info, set_mode, set_schedule, set_passive.\n" +
			"Params are a JSON object merged over the endpoint defaults.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			dc, err := lookupDevice(cfg, args[0])
			if err != nil {
				return err
			}

			ep := marstek.Endpoint(args[1])
			if _, err := marstek.Lookup(ep); err != nil {
				return err
			}

			var params map[string]any
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}

			client, err := newDeviceClient(dc, cliLogger(cfg))
			if err != nil {
				return err
			}
			result, err := client.CallEndpoint(cmd.Context(), ep, params)
			if err != nil {
				return fmt.Errorf("%s %s: %w", dc.ID, ep, err)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newClearSchedulesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-schedules <device>",
		Short: "Disable every schedule slot on a configured device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			dc, err := lookupDevice(cfg, args[0])
			if err != nil {
				return err
			}

			coord, err := newCoordinator(dc, cliLogger(cfg))
			if err != nil {
				return err
			}
			res := coord.ClearAllSchedules(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Succeeded == 0 {
				return fmt.Errorf("%s: %w", dc.ID, venus.ErrNoSlotWritten)
			}
			return nil
		},
	}
}

func newTokenCmd(opts *options) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint an API access token signed with security.jwt.secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.GetTokenTTL()
			}

			token, err := auth.GenerateAccessToken(args[0], r, cfg.Security.JWT.Secret, ttl)
			if err != nil {
				return fmt.Errorf("minting token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "token role: viewer or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default security.jwt.access_token_ttl)")
	return cmd
}

func lookupDevice(cfg *config.Config, id string) (config.DeviceConfig, error) {
	dc, ok := cfg.Device(id)
	if !ok {
		return config.DeviceConfig{}, fmt.Errorf("device %q is not configured", id)
	}
	return dc, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
