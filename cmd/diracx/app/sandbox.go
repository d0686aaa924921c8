// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DIRACGrid/diracx-sub002/pkg/sandbox"
	"github.com/DIRACGrid/diracx-sub002/pkg/settings"
)

var sandboxCleanCmd = &cobra.Command{
	Use:   "sandbox-clean",
	Short: "Remove expired unassigned sandboxes",
	Long: `Delete sandboxes that are not assigned to any job and have not
been accessed within the retention window, from both the metadata store
and the object store. Intended to run periodically, e.g. from cron.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cleanSandboxes(cmd.Context())
	},
}

func cleanSandboxes(ctx context.Context) error {
	s, err := settings.Load()
	if err != nil {
		return err
	}

	store, err := sandbox.NewMetadataStore(ctx, s.SandboxDBURL)
	if err != nil {
		return err
	}
	svc, err := sandbox.NewService(ctx, store, sandboxConfig(s))
	if err != nil {
		return err
	}

	removed, err := svc.Clean(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired sandboxes\n", removed)
	return nil
}
