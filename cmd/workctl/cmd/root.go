// Package cmd implements the workctl command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	serverURL    string
	outputFormat string
	apiKey       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "workctl",
	Short: "CLI for the work manager control plane",
	Long:  `workctl runs the work manager server and inspects orders and items from the command line.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initCLIConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.work-manager/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initCLIConfig reads the CLI's own config file and environment variables
func initCLIConfig() {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		v.AddConfigPath(filepath.Join(home, ".work-manager"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	v.BindEnv("server_url", "WORKMANAGER_SERVER")
	v.BindEnv("api_key", "WORKMANAGER_API_KEY")

	if err := v.ReadInConfig(); err == nil {
		if serverURL == "" {
			serverURL = v.GetString("server_url")
		}
	}
	if serverURL == "" {
		serverURL = v.GetString("server_url")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	if apiKey == "" {
		apiKey = v.GetString("api_key")
	}
}
