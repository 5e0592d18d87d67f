package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go-proctoring-server/admin"
	"go-proctoring-server/records"

	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenTtl     time.Duration
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operate on monitoring records and recordings",
}

var adminRecordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Print today's monitoring records",
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, location, err := openStorage(&config)
		if err != nil {
			return err
		}
		all, err := stores.records.All(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read records: %w", err)
		}
		return printJSON(admin.Project(all, records.DateString(time.Now(), location)))
	},
}

var adminTogglePauseCmd = &cobra.Command{
	Use:   "toggle-pause <key>",
	Short: "Flip isPaused of one of today's records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, location, err := openStorage(&config)
		if err != nil {
			return err
		}
		monitor := admin.NewMonitor(stores.records, location, time.Now)
		if err := monitor.Start(cmd.Context()); err != nil {
			return err
		}
		defer monitor.Close()

		paused, err := monitor.TogglePause(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(TogglePauseResponse{Key: args[0], IsPaused: paused})
	},
}

var adminViolationsCmd = &cobra.Command{
	Use:   "violations <participant_id>",
	Short: "Print the proctoring violations logged for a participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, _, err := openStorage(&config)
		if err != nil {
			return err
		}
		entries, err := stores.violations.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(ViolationsResponse{ParticipantId: args[0], Entries: entries})
	},
}

var adminRecordingsCmd = &cobra.Command{
	Use:   "recordings <room>",
	Short: "List the active recordings of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, inspector, err := createRecorder(&config)
		if err != nil {
			return err
		}
		if inspector == nil {
			return fmt.Errorf("recordings cannot be listed in %s mode", config.Recording.Mode)
		}
		infos, err := inspector.Active(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(infos)
	},
}

var adminStopRecordingCmd = &cobra.Command{
	Use:   "stop-recording <room>",
	Short: "Stop every active recording of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recorder, _, err := createRecorder(&config)
		if err != nil {
			return err
		}
		stopped, err := recorder.Stop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"room_name": args[0], "stopped": stopped})
	},
}

var adminTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Create a bearer token for the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, err := NewAdminTokenIssuer(config.Admin.JwtSecret, config.Admin.Issuer)
		if err != nil {
			return err
		}
		ttl := tokenTtl
		if ttl <= 0 {
			ttl = config.Admin.TokenTtl()
		}
		token, err := issuer.CreateToken(tokenSubject, ttl)
		if err != nil {
			return fmt.Errorf("failed to create token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	adminTokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Subject of the token")
	adminTokenCmd.Flags().DurationVar(&tokenTtl, "ttl", 0, "Token lifetime (defaults to admin.token_ttl_minutes)")

	adminCmd.AddCommand(adminRecordsCmd)
	adminCmd.AddCommand(adminTogglePauseCmd)
	adminCmd.AddCommand(adminViolationsCmd)
	adminCmd.AddCommand(adminRecordingsCmd)
	adminCmd.AddCommand(adminStopRecordingCmd)
	adminCmd.AddCommand(adminTokenCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
