package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/kylemclaren/taskfab/internal/config"
	"github.com/kylemclaren/taskfab/internal/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/taskfab on given OS
	v              = config.New()
	settings       config.Settings

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "taskfab")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is taskfab.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the database and definitions")
	serveCmd.Flags().String("listen", "", "HTTP listen address")
	_ = v.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))

	// never print messages
	rootCmd.SilenceErrors = true

	// load settings, setup logging
	rootCmd.PersistentPreRunE = initTaskfab

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskfab failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "taskfab",
	Short:        "Job and resource scheduler for build and test farms",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the engine and its HTTP API",
	RunE:  doServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "check the settings and the definitions file",
	RunE:  doValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version of taskfab",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskfab: %s\n", version())
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}

func doValidate(cmd *cobra.Command, _ []string) error {
	defs, err := config.ReadDefinitions(settings.Definitions)
	if err != nil {
		return err
	}
	if _, err := defs.Graph(); err != nil {
		return fmt.Errorf("definitions %s: %w", settings.Definitions, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d resource types, %d products, %d frameworks, %d task definitions, %d configurations, %d resources, %d schedules\n",
		settings.Definitions, len(defs.ResourceTypes), len(defs.Products), len(defs.Frameworks),
		len(defs.TaskDefinitions), len(defs.Configurations), len(defs.Resources), len(defs.Schedules))
	return nil
}

func initTaskfab(cmd *cobra.Command, _ []string) error {
	v.SetConfigType("yaml")
	if envConfig, ok := os.LookupEnv(config.EnvPrefix + "_CONFIG"); ok {
		v.SetConfigFile(envConfig)
	} else if flagConfigFilePath != "" {
		v.SetConfigFile(flagConfigFilePath)
	} else {
		v.SetConfigName("taskfab")
		v.AddConfigPath(".")
		v.AddConfigPath(userConfigPath)
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case errors.As(err, &notFound):
		// defaults and environment only
	case err != nil:
		return fmt.Errorf("reading config: %w", err)
	}

	settings, err = config.Load(v)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	slog.SetDefault(log.New(settings.Verbose))
	slog.Debug("taskfab run", "configPath", v.ConfigFileUsed())
	slog.Debug("taskfab run", "settings", settings)
	return nil
}
