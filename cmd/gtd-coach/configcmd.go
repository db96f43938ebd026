package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gtdcoach/coach/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", config.Path(), out)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := config.Save(config.Default()); err != nil {
			return confErr(err)
		}
		fmt.Println("wrote", config.Path())
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one configuration value by dotted key",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		val, err := config.Get(cfg, args[0])
		if err != nil {
			return confErr(err)
		}
		fmt.Println(val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set one configuration value and save the file",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg, err = config.Set(cfg, args[0], args[1])
		if err != nil {
			return confErr(err)
		}
		if err := config.Save(cfg); err != nil {
			return confErr(err)
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace the configuration file with defaults",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := config.Save(config.Default()); err != nil {
			return confErr(err)
		}
		fmt.Println("reset", config.Path())
		return nil
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List environment overrides currently in effect",
	RunE: func(_ *cobra.Command, _ []string) error {
		lines := config.EnvReport()
		if len(lines) == 0 {
			fmt.Println("no environment overrides set")
			return nil
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd, configGetCmd, configSetCmd, configResetCmd, configEnvCmd)
}
