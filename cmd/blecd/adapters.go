package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecd/internal/device"
	"github.com/srg/blecd/internal/device/goble"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List local adapters and briefly scan for peripherals",
	RunE:  runAdapters,
}

func init() {
	adaptersCmd.Flags().StringSlice("adapter", []string{"hci0"}, "HCI adapters to open (repeatable)")
	adaptersCmd.Flags().Duration("scan", 5*time.Second, "How long to scan each adapter")
}

func runAdapters(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	names, _ := cmd.Flags().GetStringSlice("adapter")
	scanFor, _ := cmd.Flags().GetDuration("scan")

	provider := goble.NewProvider(names, logger)
	adapters, err := provider.Adapters(cmd.Context())
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	for _, a := range adapters {
		bold.Printf("%s\n", a.ID())

		seen := make(map[string]device.Advertisement)
		ctx, cancel := context.WithTimeout(cmd.Context(), scanFor)
		err := a.Scan(ctx, false, func(adv device.Advertisement) {
			seen[adv.Addr()] = adv
		})
		cancel()
		if err != nil {
			color.Red("  scan failed: %v\n", err)
			continue
		}

		if len(seen) == 0 {
			dim.Println("  no peripherals seen")
			continue
		}
		for addr, adv := range seen {
			name := adv.LocalName()
			if name == "" {
				name = dim.Sprint("(no name)")
			}
			fmt.Printf("  %s  %-24s  rssi %d\n", addr, name, adv.RSSI())
		}
	}
	return nil
}
