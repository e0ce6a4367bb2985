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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/multigres/connmgr/go/drivers"
)

func newDriversCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the database drivers linked into this binary.",
		Args:  cobra.NoArgs,
		RunE:  a.closingLog(listDrivers),
	}
}

func listDrivers(cmd *cobra.Command, args []string) error {
	for _, name := range drivers.Names() {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
			return err
		}
	}
	return nil
}
