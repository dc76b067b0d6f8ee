// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Settings is the process configuration: where to listen, which
// backend and bus to use, and where policy state lives. It is distinct
// from the policy configuration, which is shared by all instances and
// editable at runtime through the admin API.
type Settings struct {
	Listen     string `mapstructure:"listen"`
	InstanceID string `mapstructure:"instance_id"`
	LogDir     string `mapstructure:"log_dir"`
	LogJSON    bool   `mapstructure:"log_json"`

	// LogLevel is the verbosity before the policy config loads; from
	// then on the config's log_level wins.
	LogLevel string `mapstructure:"log_level"`

	Tracing bool `mapstructure:"tracing"`

	// PolicyPath is the shared policy file every instance loads.
	PolicyPath string `mapstructure:"policy_path"`

	// DirectoryPath is the user directory file for owner resolution.
	DirectoryPath string `mapstructure:"directory_path"`

	Backend string `mapstructure:"backend"` // "local" or "gcs"
	Local   struct {
		Root  string `mapstructure:"root"`
		Owner string `mapstructure:"owner"`
	} `mapstructure:"local"`
	GCS struct {
		Project      string `mapstructure:"project"`
		Bucket       string `mapstructure:"bucket"`
		Subscription string `mapstructure:"subscription"`
		Credentials  string `mapstructure:"credentials"`
	} `mapstructure:"gcs"`

	Bus struct {
		Kind         string `mapstructure:"kind"` // "memory" or "pubsub"
		Project      string `mapstructure:"project"`
		Topic        string `mapstructure:"topic"`
		Subscription string `mapstructure:"subscription"`
	} `mapstructure:"bus"`

	SMTP struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	} `mapstructure:"smtp"`
}

var settings Settings

var rootCmd = &cobra.Command{
	Use:   "uploadwatch",
	Short: "A policy monitor for uploads to shared storage",
	Long: `uploadwatch watches a shared storage backend for new and moved
files, evaluates each against an ordered rule set, and responds with
audit logging, owner notification, or deferred content replacement.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor and its admin API",
	Run:   runServe,
}

func loadSettings(configPath string) (Settings, error) {
	v := viper.New()
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("backend", "local")
	v.SetDefault("bus.kind", "memory")
	v.SetDefault("local.root", "./data")
	v.SetDefault("local.owner", "administrator")
	v.SetDefault("policy_path", "./policy.yaml")
	v.SetDefault("smtp.port", 25)

	v.SetEnvPrefix("UPLOADWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func main() {
	var configPath string
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Optional YAML settings file; environment variables (UPLOADWATCH_*) override it")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		var err error
		settings, err = loadSettings(configPath)
		if err != nil {
			log.Fatalf("Error loading settings: %v", err)
		}
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
