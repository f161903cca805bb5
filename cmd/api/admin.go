package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cytolab.org/internal/auth"
)

var adminInput auth.RegisterInput

var bootstrapAdminCmd = &cobra.Command{
	Use:   "bootstrap-admin",
	Short: "Create a verified superadmin account",
	Long: `Creates the first superadmin. The password is read from
CYTOLAB_BOOTSTRAP_PASSWORD when --password is not given.

	cytolab-api bootstrap-admin --username root --email root@example.com
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if adminInput.Password == "" {
			adminInput.Password = os.Getenv("CYTOLAB_BOOTSTRAP_PASSWORD")
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		svc, err := newAuthService(cfg, store, nil, log)
		if err != nil {
			return err
		}
		id, err := svc.CreateSuperAdmin(cmd.Context(), adminInput)
		if err != nil {
			return fmt.Errorf("create superadmin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "superadmin %s created (%s)\n", id.Username, id.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bootstrapAdminCmd)
	bootstrapAdminCmd.Flags().StringVar(&adminInput.Username, "username", "admin", "superadmin username")
	bootstrapAdminCmd.Flags().StringVar(&adminInput.Email, "email", "", "superadmin email")
	bootstrapAdminCmd.Flags().StringVar(&adminInput.Password, "password", "", "superadmin password")
	bootstrapAdminCmd.Flags().StringVar(&adminInput.FullName, "full-name", "", "display name")
	_ = bootstrapAdminCmd.MarkFlagRequired("email")
}
