package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/driveferry/driveferry/config"
	"github.com/driveferry/driveferry/credential"
	"github.com/driveferry/driveferry/db"
	"github.com/driveferry/driveferry/errors"
)

// ValidateCmd checks a user's credential and drive access from the CLI
var ValidateCmd = &cobra.Command{
	Use:   "validate <user-id>",
	Short: "Check a user's credential and drive access",
	Long: `Verify that a user can launch transfers: a credential is stored,
the access token is fresh (refreshing it if needed), and the source drive
answers an authenticated probe.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	userID := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return err
	}
	database, err := db.Open(dbPath, nil)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	provider := credential.NewProvider(credential.ProviderOptions{
		TokenURL:     cfg.OAuth.TokenURL,
		ProbeURL:     cfg.OAuth.ProbeURL,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURI:  cfg.OAuth.RedirectURI,
	})
	gate := credential.NewGate(credential.NewStore(database), provider,
		time.Duration(cfg.OAuth.SafetyMarginSeconds)*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = gate.CheckAccess(ctx, userID)
	switch {
	case err == nil:
		pterm.Success.Printf("Credential for %s is valid and the drive is reachable\n", userID)
		return nil
	case errors.Is(err, errors.ErrNoCredential):
		pterm.Warning.Printf("No credential stored for %s\n", userID)
	case errors.Is(err, errors.ErrRefreshFailed):
		pterm.Error.Printf("Token refresh failed for %s; re-authorization required\n", userID)
	case errors.Is(err, errors.ErrAccessDenied):
		pterm.Error.Printf("Drive access denied for %s (administrator approval may be pending)\n", userID)
	default:
		return err
	}
	return nil
}
