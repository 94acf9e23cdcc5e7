package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/OpenTraceLab/OpenTraceXVC/internal/config"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

// execute runs the CLI with args from a clean flag state and returns stdout.
func execute(ctx context.Context, args ...string) (string, error) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	configCmd.Flags().VisitAll(reset)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestConfigCommandAppliesFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xvcd.yaml")
	out, err := execute(context.Background(), "config",
		"--adapter", "simulator",
		"-x", "0x3A",
		"-v", "3",
		"--listen", "127.0.0.1:3121",
		"--impact-ir-fix",
		"--save", path)
	if err != nil {
		t.Fatalf("config returned error: %v", err)
	}

	for _, want := range []string{"adapter: simulator", "0x3A", "verbosity: 3", "listen: 127.0.0.1:3121", "impact_ir_fix: true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\nGot:\n%s", want, out)
		}
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if saved.Device.Adapter != config.AdapterSimulator || saved.CommandByte != "0x3A" {
		t.Fatalf("saved config = %+v", saved)
	}
}

func TestConfigFileIsOverriddenByFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xvcd.yaml")
	c := config.DefaultConfig()
	c.Listen = "127.0.0.1:1111"
	c.Device.Serial = "FROMFILE"
	if err := c.Save(path); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	out, err := execute(context.Background(), "config", "--config", path, "--listen", "127.0.0.1:2222")
	if err != nil {
		t.Fatalf("config returned error: %v", err)
	}
	if !strings.Contains(out, "listen: 127.0.0.1:2222") || !strings.Contains(out, "serial: FROMFILE") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestInvalidFlagsFail(t *testing.T) {
	cases := [][]string{
		{"config", "--interface", "Z"},
		{"config", "-x", "0x1FF"},
		{"config", "--adapter", "jlink"},
	}
	for _, args := range cases {
		if _, err := execute(context.Background(), args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestOpenAdapterSimulator(t *testing.T) {
	c := config.DefaultConfig()
	c.Device.Adapter = config.AdapterSimulator
	c.CommandByte = "0x3A"
	c.Device.SpeedHz = 1_000_000
	c.Device.Verify = true

	adapter, err := openAdapter(context.Background(), c, zap.NewNop())
	if err != nil {
		t.Fatalf("openAdapter returned error: %v", err)
	}
	defer adapter.Close()

	info, _ := adapter.Info()
	if info.Name != "Simulated FTDI MPSSE" {
		t.Fatalf("adapter name = %q", info.Name)
	}
	req, err := jtag.NewShiftRequest(16, []byte{0x00, 0x00, 0x34, 0x12})
	if err != nil {
		t.Fatalf("NewShiftRequest returned error: %v", err)
	}
	res, err := adapter.Shift(context.Background(), req)
	if err != nil {
		t.Fatalf("Shift returned error: %v", err)
	}
	if !bytes.Equal(res.TDO, []byte{0x34, 0x12}) {
		t.Fatalf("TDO = %X, want 3412", res.TDO)
	}
}

func TestOpenAdapterSimulatedChain(t *testing.T) {
	c := config.DefaultConfig()
	c.Device.Adapter = config.AdapterSimulator
	c.Device.SimChain = []string{"0x0362D093"}

	core, logs := observer.New(zap.InfoLevel)
	adapter, err := openAdapter(context.Background(), c, zap.New(core))
	if err != nil {
		t.Fatalf("openAdapter returned error: %v", err)
	}
	defer adapter.Close()

	entries := logs.FilterMessage("simulated device").All()
	if len(entries) != 1 || entries[0].ContextMap()["name"] != "XC7A35T" {
		t.Fatalf("unexpected device logs: %+v", entries)
	}

	shift := func(bits int, tms, tdi []byte) []byte {
		t.Helper()
		req, err := jtag.NewShiftRequest(bits, append(append([]byte(nil), tms...), tdi...))
		if err != nil {
			t.Fatalf("NewShiftRequest returned error: %v", err)
		}
		res, err := adapter.Shift(context.Background(), req)
		if err != nil {
			t.Fatalf("Shift returned error: %v", err)
		}
		return res.TDO
	}
	shift(5, []byte{0x1F}, []byte{0x00})
	shift(4, []byte{0x02}, []byte{0x00})
	tdo := shift(32, []byte{0, 0, 0, 0x80}, []byte{0, 0, 0, 0})
	if !bytes.Equal(tdo, []byte{0x93, 0xD0, 0x62, 0x03}) {
		t.Fatalf("IDCODE = %X, want 93D06203", tdo)
	}
}

func TestOpenAdapterRejectsBadChain(t *testing.T) {
	c := config.DefaultConfig()
	c.Device.Adapter = config.AdapterSimulator
	c.Device.SimChain = []string{"0x12345679"}

	if _, err := openAdapter(context.Background(), c, zap.NewNop()); err == nil {
		t.Fatalf("expected error for device without IR length")
	}
}

func TestSimChainFlag(t *testing.T) {
	out, err := execute(context.Background(), "config", "--sim-chain", "0x0362D093,0x4BA00477/4")
	if err != nil {
		t.Fatalf("config returned error: %v", err)
	}
	if !strings.Contains(out, "0x0362D093") || !strings.Contains(out, "0x4BA00477/4") {
		t.Fatalf("sim_chain missing from output:\n%s", out)
	}
}

func TestServeWithSimulatorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "--adapter", "simulator", "--listen", "127.0.0.1:0")
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop after cancellation")
	}
}
