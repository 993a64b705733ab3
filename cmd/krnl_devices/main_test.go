package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/gomlx/gokrnl/krnl"
	"github.com/gomlx/gokrnl/krnl/drivers/sim"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestRegistry(t *testing.T, numDevices int) (*krnl.Registry, []*krnl.Device) {
	registry := krnl.NewRegistry(sim.NewWithDevices(numDevices))
	t.Cleanup(func() { require.NoError(t, registry.Close()) })
	return registry, must.M1(registry.Enumerate())
}

func TestWriteTable(t *testing.T) {
	registry, devices := newTestRegistry(t, 2)
	var buf bytes.Buffer
	require.NoError(t, write(&buf, "table", registry, devices))
	out := buf.String()
	require.Contains(t, out, "Driver: sim")
	require.Contains(t, out, "Device(sim:1)")
	require.Contains(t, out, "shader_float64")

	buf.Reset()
	registry, devices = newTestRegistry(t, 0)
	require.NoError(t, write(&buf, "table", registry, devices))
	require.Contains(t, buf.String(), "(none)")
}

func TestWriteJSON(t *testing.T) {
	registry, devices := newTestRegistry(t, 1)
	var buf bytes.Buffer
	require.NoError(t, write(&buf, "json", registry, devices))

	var st structpb.Struct
	require.NoError(t, protojson.Unmarshal(buf.Bytes(), &st))
	require.Equal(t, "sim", st.Fields["driver"].GetStringValue())
	list := st.Fields["devices"].GetListValue().GetValues()
	require.Len(t, list, 1)
	device := list[0].GetStructValue().Fields
	require.Equal(t, "Device(sim:0)", device["device"].GetStringValue())
	require.Equal(t, float64(256), device["max_threads_per_group"].GetNumberValue())

	buf.Reset()
	require.NoError(t, write(&buf, "proto", registry, devices))
	require.Contains(t, buf.String(), "Device(sim:0)")

	require.Error(t, write(&buf, "xml", registry, devices))
}

func TestHumanBytes(t *testing.T) {
	require.Equal(t, "unbounded", humanBytes(0))
	require.Equal(t, "512 B", humanBytes(512))
	require.Equal(t, "1.5 KiB", humanBytes(1536))
	require.Equal(t, "8.0 GiB", humanBytes(8<<30))
}

func TestDeviceInfo(t *testing.T) {
	_, devices := newTestRegistry(t, 1)
	caps := devices[0].Capabilities()
	features := []any{}
	for _, f := range caps.Features.List() {
		features = append(features, f.String())
	}
	want := map[string]any{
		"index":                 0,
		"device":                "Device(sim:0)",
		"name":                  caps.Name,
		"max_groups":            caps.MaxGroups,
		"max_threads_per_group": uint32(256),
		"subgroup_threads":      map[string]any{"min": uint32(1), "max": caps.SubgroupThreads.Max},
		"memory_bytes":          uint64(0),
		"features":              features,
	}
	if diff := cmp.Diff(want, deviceInfo(devices[0])); diff != "" {
		t.Errorf("deviceInfo() mismatch (-want +got):\n%s", diff)
	}
}

func TestRootCmd(t *testing.T) {
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--driver=sim", "--format=table"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, buf.String(), "Driver: sim")

	buf.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"drivers"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, buf.String(), "sim\truntime: ")

	cmd = newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs([]string{"--driver=unknown"})
	require.Error(t, cmd.Execute())
}

func TestDiagnosticRuns(t *testing.T) {
	driver := must.M1(krnl.GetDriver(sim.DriverName))
	args := strings.Fields(driver.Diagnostic())
	require.Equal(t, "krnl_devices", args[0])

	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs(args[1:])
	require.NoError(t, cmd.Execute())
	require.Contains(t, buf.String(), "Driver: sim")
}

func TestDefaultRegistryNotClosed(t *testing.T) {
	if os.Getenv(krnl.DriverEnv) != "" {
		t.Skipf("%s is set", krnl.DriverEnv)
	}
	registry := must.M1(krnl.DefaultRegistry())
	device := must.M1(registry.BuildDefault())

	var buf bytes.Buffer
	require.NoError(t, listDevices(&buf, "", "table"))
	require.Contains(t, buf.String(), "Driver: sim")

	// The default registry's devices are still open after listing.
	require.Same(t, device, must.M1(registry.BuildDefault()))
	x := must.M1(krnl.FromHost([]float32{1, 2}).Relocate(device))
	require.Equal(t, []float32{1, 2}, must.M1(x.IntoHost()))
}
