// Package main implements the sebcoord CLI.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rsclarke/sebcoord/internal/client"
)

type clientConfig struct {
	apiKey string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cc *clientConfig) {
	cmd.Flags().StringVar(&cc.apiKey, "api-key", "", "API key for authentication (default $SEBCOORD_API_KEY)")
	cmd.Flags().StringVar(&cc.apiURL, "api-url", "", "admin API URL (default $SEBCOORD_API_URL)")
}

// newClient falls back to the environment, which includes anything the
// dotenv file set during PersistentPreRunE.
func (cc *clientConfig) newClient() (*client.Client, error) {
	if cc.apiURL == "" {
		cc.apiURL = os.Getenv("SEBCOORD_API_URL")
	}
	if cc.apiKey == "" {
		cc.apiKey = os.Getenv("SEBCOORD_API_KEY")
	}
	if cc.apiURL == "" {
		return nil, fmt.Errorf("API URL required (use --api-url flag or SEBCOORD_API_URL env var)")
	}
	if cc.apiKey == "" {
		return nil, fmt.Errorf("API key required (use --api-key flag or SEBCOORD_API_KEY env var)")
	}
	return client.NewClient(cc.apiURL, cc.apiKey), nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func optionalID(cmd *cobra.Command, name string, v int64) *int64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}
