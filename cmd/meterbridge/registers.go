package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/soypat/meterbridge/solarapi"
	"github.com/soypat/meterbridge/sunspec"
	"github.com/spf13/cobra"
)

var registersCmd = &cobra.Command{
	Use:   "registers",
	Short: "Print the SunSpec register layout",
	Long: `Prints the Modbus address of every float point in the meter table and the
inverter JSON key that feeds it, if any.`,
	Args: cobra.NoArgs,
	RunE: runRegisters,
}

func init() {
	rootCmd.AddCommand(registersCmd)
}

func runRegisters(cmd *cobra.Command, args []string) error {
	source := make(map[sunspec.Field]string)
	for _, key := range solarapi.Keys() {
		f, _ := solarapi.FieldOf(key)
		source[f] = key
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "base %d, %d registers, float32 high word first\n\n", sunspec.BaseAddress, sunspec.NumRegisters)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tOFFSET\tPOINT\tSOURCE")
	for i := 0; i < sunspec.NumFields; i++ {
		f := sunspec.Field(i)
		src := source[f]
		if src == "" {
			src = "-"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", f.Address(), f.Offset(), f, src)
	}
	return tw.Flush()
}
