// krnl_devices lists the accelerators available to krnl and their capabilities.
//
// It is the diagnostic suggested by configuration errors: if it lists no device, the runtime of the driver
// is not installed or not working.
//
// Usage:
//
//	krnl_devices [--driver=sim] [--format=table|proto|json] [-v=1]
//	krnl_devices drivers
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gokrnl/krnl"
	_ "github.com/gomlx/gokrnl/krnl/drivers/sim"
	"github.com/janpfeifer/must"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd creates the command line, with the klog flags attached.
func newRootCmd() *cobra.Command {
	var driver, format string
	rootCmd := &cobra.Command{
		Use:   "krnl_devices",
		Short: "List the accelerators available to krnl",
		Long: fmt.Sprintf(`Enumerates the devices of a driver and prints their capabilities.
Without --driver it uses the driver selected by $%s, or the only one registered.`, krnl.DriverEnv),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listDevices(cmd.OutOrStdout(), driver, format)
		},
	}
	rootCmd.Flags().StringVar(&driver, "driver", "", "Driver to enumerate.")
	rootCmd.Flags().StringVar(&format, "format", "table", "Output format: table, proto (text format) or json.")

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "drivers",
		Short: "List the registered drivers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range krnl.RegisteredDrivers() {
				d := must.M1(krnl.GetDriver(name))
				fmt.Fprintf(cmd.OutOrStdout(), "%s\truntime: %s\tcheck: %s\n", name, d.Runtime(), d.Diagnostic())
			}
		},
	})
	return rootCmd
}

// listDevices enumerates the devices of the driver and writes them in the given format.
func listDevices(w io.Writer, driverName, format string) error {
	registry, owned, err := newRegistry(driverName)
	if err != nil {
		return err
	}
	if owned {
		defer func() { _ = registry.Close() }()
	}

	devices, err := registry.Enumerate()
	if err != nil {
		// Devices enumerated before the failure are still listed.
		klog.Errorf("enumeration stopped: %v", err)
	}
	return write(w, format, registry, devices)
}

// newRegistry returns the registry for the driver, or the default one. owned is true if the caller must
// close it: the default registry is never closed.
func newRegistry(driverName string) (registry *krnl.Registry, owned bool, err error) {
	if driverName == "" {
		registry, err = krnl.DefaultRegistry()
		return registry, false, err
	}
	driver, err := krnl.GetDriver(driverName)
	if err != nil {
		return nil, false, err
	}
	return krnl.NewRegistry(driver), true, nil
}

// write the devices in the given format.
func write(w io.Writer, format string, registry *krnl.Registry, devices []*krnl.Device) error {
	switch format {
	case "table":
		writeTable(w, registry, devices)
		return nil
	case "proto", "json":
		return writeStruct(w, format, registry, devices)
	}
	return errors.Errorf("unknown -format=%q, valid values are table, proto or json", format)
}

func driverName(registry *krnl.Registry) string {
	if registry.Driver() == nil {
		return "(none)"
	}
	return registry.Driver().Name()
}

func writeTable(w io.Writer, registry *krnl.Registry, devices []*krnl.Device) {
	fmt.Fprintf(w, "Driver: %s\n", driverName(registry))
	if len(devices) == 0 {
		fmt.Fprintln(w, "Available devices: (none) -- dispatches will run on the host")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"INDEX", "DEVICE", "NAME", "GROUPS", "THREADS/GROUP", "SUBGROUP", "MEMORY", "FEATURES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, d := range devices {
		caps := d.Capabilities()
		names := make([]string, 0, caps.Features.Len())
		for _, f := range caps.Features.List() {
			names = append(names, f.String())
		}
		table.Append([]string{
			fmt.Sprint(d.Index()),
			d.String(),
			caps.Name,
			fmt.Sprint(caps.MaxGroups),
			fmt.Sprint(caps.MaxThreadsPerGroup),
			caps.SubgroupThreads.String(),
			humanBytes(caps.MemoryBytes),
			strings.Join(names, " "),
		})
	}
	table.Render()
}

// deviceInfo returns the description of the device as a JSON-like map.
func deviceInfo(d *krnl.Device) map[string]any {
	caps := d.Capabilities()
	features := make([]any, 0, caps.Features.Len())
	for _, f := range caps.Features.List() {
		features = append(features, f.String())
	}
	return map[string]any{
		"index":                 d.Index(),
		"device":                d.String(),
		"name":                  caps.Name,
		"max_groups":            caps.MaxGroups,
		"max_threads_per_group": caps.MaxThreadsPerGroup,
		"subgroup_threads": map[string]any{
			"min": caps.SubgroupThreads.Min,
			"max": caps.SubgroupThreads.Max,
		},
		"memory_bytes": caps.MemoryBytes,
		"features":     features,
	}
}

func writeStruct(w io.Writer, format string, registry *krnl.Registry, devices []*krnl.Device) error {
	infos := make([]any, len(devices))
	for ii, d := range devices {
		infos[ii] = deviceInfo(d)
	}
	st, err := structpb.NewStruct(map[string]any{
		"driver":  driverName(registry),
		"devices": infos,
	})
	if err != nil {
		return errors.Wrap(err, "failed to convert device information")
	}
	var out []byte
	if format == "json" {
		out, err = protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	} else {
		out, err = prototext.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to format device information as %s", format)
	}
	_, err = w.Write(append(out, '\n'))
	return errors.WithStack(err)
}

// humanBytes formats a memory size, "unbounded" for 0.
func humanBytes(n uint64) string {
	const unit = 1024
	if n == 0 {
		return "unbounded"
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
