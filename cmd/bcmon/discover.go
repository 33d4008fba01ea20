package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/baichuan-protocol/baichuan-go/pkg/discovery"
)

func discoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse for devices via mDNS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(timeout)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", discovery.BrowseTimeout, "How long to browse")

	return cmd
}

func runDiscover(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	browser := discovery.NewBrowser(discovery.BrowserConfig{})
	services, err := browser.Browse(ctx)
	if err != nil {
		return fmt.Errorf("browsing: %w", err)
	}

	found := 0
	for svc := range services {
		found++
		model := svc.Model
		if model == "" {
			model = "unknown"
		}
		fmt.Printf("%-30s %-20s model=%s addrs=%s\n",
			svc.InstanceName, svc.Address(), model, strings.Join(svc.Addresses, ","))
	}
	if found == 0 {
		fmt.Println("no devices found")
	}
	return nil
}
