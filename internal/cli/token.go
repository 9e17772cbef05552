package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gatebox-dev/gatebox/internal/auth"
	"github.com/gatebox-dev/gatebox/internal/config"
)

// TokenCommand mints an API key for gateway authentication.
func TokenCommand(cfg *config.Config) *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an API key (gatebox- format) for authentication",
		Long: `Generate an API key with gatebox- prefix backed by a JWT signed with this
installation's secret. The key authenticates proxy and admin requests alike.
Include it in the Authorization header as 'Bearer <key>'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtManager := auth.NewJWTManager(cfg.GetJWTSecret())

			apiKey, err := jwtManager.GenerateAPIKey(clientID)
			if err != nil {
				return fmt.Errorf("failed to generate API key: %w", err)
			}

			fmt.Println("Generated Gatebox API key:")
			fmt.Println(apiKey)
			fmt.Println()
			fmt.Println("Usage in API requests:")
			fmt.Println("Authorization: Bearer", apiKey)
			fmt.Println()
			fmt.Println("The configured user token keeps working alongside generated keys.")
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "client", "client id claim embedded in the key")
	return cmd
}
