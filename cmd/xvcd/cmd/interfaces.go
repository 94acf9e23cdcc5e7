package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List attached FTDI MPSSE cables",
	Long: `Scan the host for FTDI chips with an MPSSE engine (FT2232, FT4232H, FT232H)
and print their USB ids and serial numbers. Use this to pick --vid, --pid and
--serial before starting the server.`,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	infos, err := jtag.DiscoverInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("discover interfaces: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No interfaces found.")
		return nil
	}

	fmt.Fprintln(out, "Detected JTAG interfaces:")
	for _, info := range infos {
		if info.Kind == jtag.InterfaceKindSim {
			fmt.Fprintf(out, "  - %s [%s] (--adapter simulator)\n", info.Label(), info.Kind)
			continue
		}
		fmt.Fprintf(out, "  - %s [%s] (VID:PID %04X:%04X", info.Label(), info.Kind, info.VendorID, info.ProductID)
		if info.Serial != "" {
			fmt.Fprintf(out, ", serial %s", info.Serial)
		}
		fmt.Fprintf(out, ", --interface %s)\n", strings.Join(info.PortNames(), "|"))
	}
	return nil
}
