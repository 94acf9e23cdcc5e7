package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceXVC/internal/config"
	"github.com/OpenTraceLab/OpenTraceXVC/internal/logging"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/xvc"
)

var (
	// Global flags
	configPath  string
	verbosity   int
	commandByte string
	serial      string
	adapterType string
	vendorID    uint16
	productID   uint16
	iface       string
	listenAddr  string
	latencyMS   int
	divisor     int
	speedHz     int
	irFix       bool
	verify      bool
	logFormat   string
	simChain    []string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "xvcd",
	Short: "Xilinx Virtual Cable server for FTDI MPSSE cables",
	Long: `xvcd serves the Xilinx Virtual Cable protocol on TCP port 2542 and
executes every shift on a JTAG chain attached to an FTDI FT2232/FT4232/FT232H
in MPSSE mode. Shifts from all clients are serialized on the one cable.

Examples:
  xvcd                                   # FT2232 port A, listen on :2542
  xvcd -v 3 --speed 1000000              # hex dumps, 1 MHz TCK
  xvcd -x 0x3A                           # set the command byte before serving
  xvcd --adapter simulator               # loopback cable, no hardware
  xvcd -t simulator --sim-chain 0x0362D093  # simulated XC7A35T
  xvcd interfaces                        # list attached FTDI cables`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.IntVarP(&verbosity, "verbosity", "v", 0, "diagnostic level 0-5")
	f.StringVarP(&commandByte, "command-byte", "x", "", "command byte to clock out before serving (e.g. 0x3A)")
	f.StringVarP(&serial, "serial", "s", "", "FTDI serial number (if multiple cables)")
	f.StringVarP(&adapterType, "adapter", "t", config.AdapterFTDI, "adapter type (ftdi, simulator)")
	f.Uint16Var(&vendorID, "vid", 0x0403, "USB vendor id")
	f.Uint16Var(&productID, "pid", 0x6010, "USB product id")
	f.StringVar(&iface, "interface", "A", "FTDI port (A-D)")
	f.StringVar(&listenAddr, "listen", ":2542", "TCP listen address")
	f.IntVar(&latencyMS, "latency", 1, "FTDI latency timer in ms")
	f.IntVar(&divisor, "divisor", jtag.DefaultDivisor, "TCK divisor (TCK = 6 MHz / (1 + divisor))")
	f.IntVar(&speedHz, "speed", 0, "TCK frequency in Hz, overrides --divisor")
	f.BoolVar(&irFix, "impact-ir-fix", false, "rewrite the bogus 12-bit iMPACT instruction scan")
	f.BoolVar(&verify, "verify", false, "check MPSSE command sync before serving")
	f.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	f.StringSliceVar(&simChain, "sim-chain", nil, "simulated scan chain, TDO end first (e.g. 0x0362D093,0x4BA00477/4)")
}

// setup loads the configuration, lets explicitly set flags win over file and
// environment, and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("verbosity") {
		c.Logging.Verbosity = verbosity
	}
	if flags.Changed("command-byte") {
		c.CommandByte = commandByte
	}
	if flags.Changed("serial") {
		c.Device.Serial = serial
	}
	if flags.Changed("adapter") {
		c.Device.Adapter = adapterType
	}
	if flags.Changed("vid") {
		c.Device.VendorID = vendorID
	}
	if flags.Changed("pid") {
		c.Device.ProductID = productID
	}
	if flags.Changed("interface") {
		c.Device.Interface = iface
	}
	if flags.Changed("listen") {
		c.Listen = listenAddr
	}
	if flags.Changed("latency") {
		c.Device.LatencyMS = latencyMS
	}
	if flags.Changed("divisor") {
		c.Device.Divisor = divisor
	}
	if flags.Changed("speed") {
		c.Device.SpeedHz = speedHz
	}
	if flags.Changed("impact-ir-fix") {
		c.Protocol.IMPACTIRFix = irFix
	}
	if flags.Changed("verify") {
		c.Device.Verify = verify
	}
	if flags.Changed("sim-chain") {
		c.Device.SimChain = simChain
	}
	if flags.Changed("log-format") {
		c.Logging.Format = logFormat
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	l, err := logging.New(c.Logging)
	if err != nil {
		return err
	}
	cfg, logger = c, l
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	adapter, err := openAdapter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.Warn("closing adapter", zap.Error(err))
		}
	}()

	srv := &xvc.Server{
		Shifter:       adapter,
		Logger:        logger,
		Verbosity:     cfg.Logging.Verbosity,
		MaxVectorBits: cfg.Protocol.MaxVectorBits,
		IRFix:         cfg.Protocol.IMPACTIRFix,
	}
	logger.Info("running", zap.String("adapter", cfg.Device.Adapter), zap.String("listen", cfg.Listen))
	err = srv.ListenAndServe(ctx, cfg.Listen)
	logger.Info("exiting")
	return err
}

// openAdapter opens the configured cable and brings the MPSSE engine up:
// configure, optional command byte, optional speed, optional sync check.
func openAdapter(ctx context.Context, c *config.Config, log *zap.Logger) (*jtag.MPSSEAdapter, error) {
	info := jtag.AdapterInfo{Vendor: "FTDI", SerialNumber: c.Device.Serial}

	var tr jtag.Transport
	switch c.Device.Adapter {
	case config.AdapterSimulator:
		sim, err := newSimulator(c.Device.SimChain, log)
		if err != nil {
			return nil, err
		}
		tr = sim
		info.Name = "Simulated FTDI MPSSE"
	default:
		idx, err := c.InterfaceIndex()
		if err != nil {
			return nil, err
		}
		usb, err := jtag.OpenUSBTransport(jtag.USBOptions{
			VendorID:     c.Device.VendorID,
			ProductID:    c.Device.ProductID,
			Serial:       c.Device.Serial,
			Interface:    idx,
			LatencyTimer: uint8(c.Device.LatencyMS),
			Timeout:      c.GetUSBTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("open FTDI %04X:%04X: %w", c.Device.VendorID, c.Device.ProductID, err)
		}
		tr = usb
		info.Model = fmt.Sprintf("%04X:%04X port %c", c.Device.VendorID, c.Device.ProductID, 'A'+idx)
	}

	adapter := jtag.NewMPSSEAdapter(tr, jtag.MPSSEOptions{
		Logger:    log,
		Verbosity: c.Logging.Verbosity,
		Info:      info,
	})
	if err := bringUp(ctx, adapter, c, log); err != nil {
		adapter.Close()
		return nil, err
	}
	return adapter, nil
}

// newSimulator builds the in-memory cable, with a scan chain behind it when
// one is configured.
func newSimulator(entries []string, log *zap.Logger) (*jtag.SimTransport, error) {
	sim := jtag.NewSimTransport()
	if len(entries) == 0 {
		return sim, nil
	}
	devs := make([]jtag.ChainDevice, 0, len(entries))
	for _, e := range entries {
		dev, err := jtag.ParseChainDevice(e)
		if err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}
	chain := jtag.NewScanChain(devs...)
	sim.OnClock = chain.Clock
	for i, dev := range chain.Devices() {
		log.Info("simulated device",
			zap.Int("position", i),
			zap.String("name", dev.Name),
			zap.String("idcode", fmt.Sprintf("0x%08X", dev.IDCode)),
			zap.Int("ir_length", dev.IRLength))
	}
	return sim, nil
}

func bringUp(ctx context.Context, adapter *jtag.MPSSEAdapter, c *config.Config, log *zap.Logger) error {
	if err := adapter.Configure(uint16(c.Device.Divisor)); err != nil {
		return err
	}
	cb, ok, err := c.GetCommandByte()
	if err != nil {
		return err
	}
	if ok {
		if err := adapter.SetCommandByte(cb); err != nil {
			return fmt.Errorf("set command byte: %w", err)
		}
	}
	if c.Device.SpeedHz > 0 {
		if err := adapter.SetSpeed(c.Device.SpeedHz); err != nil {
			return err
		}
	}
	if c.Device.Verify {
		if err := adapter.Verify(ctx); err != nil {
			return err
		}
		log.Debug("MPSSE command stream verified")
	}
	return nil
}
