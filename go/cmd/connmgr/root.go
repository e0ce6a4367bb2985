// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/multigres/connmgr/go/config"
	"github.com/multigres/connmgr/go/servenv"
)

// app holds the state shared by every subcommand of one root command.
type app struct {
	fs     afero.Fs
	v      *viper.Viper
	logger *servenv.Logger

	configFile  string
	printConfig bool
	cfg         *config.Config
}

// NewRootCommand builds the connmgr command tree. Config and log files are
// accessed through fs.
func NewRootCommand(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs, v: viper.New()}
	a.v.SetFs(fs)
	a.logger = servenv.NewLogger(a.v, fs)
	config.SetDefaults(a.v)

	root := &cobra.Command{
		Use:               "connmgr",
		Short:             "Pooled database connections over a shared driver environment.",
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.preRun,
		RunE:              a.closingLog(a.runRoot),
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Config file (default: ./connmgr.yaml or /etc/connmgr/connmgr.yaml)")
	flags.BoolVar(&a.printConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	a.logger.RegisterFlags(flags)
	if err := config.RegisterFlags(flags, a.v); err != nil {
		// Only possible with a programming error in the flag table.
		panic(err)
	}

	root.AddCommand(newRunCommand(a), newDriversCommand(a))
	return root
}

func (a *app) preRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger.Setup()
	return nil
}

// dumpIfRequested prints the configuration when --print-config is set and
// reports whether it did.
func (a *app) dumpIfRequested(cmd *cobra.Command) (bool, error) {
	if !a.printConfig {
		return false, nil
	}
	return true, config.Dump(cmd.OutOrStdout(), a.cfg)
}

// closingLog wraps a command's RunE so the log output opened by preRun is
// closed when the command returns, whether it failed or not.
func (a *app) closingLog(run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			err = errors.Join(err, a.logger.Close())
		}()
		return run(cmd, args)
	}
}

func (a *app) runRoot(cmd *cobra.Command, args []string) error {
	if done, err := a.dumpIfRequested(cmd); done {
		return err
	}
	return cmd.Help()
}
